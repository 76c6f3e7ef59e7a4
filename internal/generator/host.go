package generator

import (
	"fmt"
	"math"
	"time"

	"machine-monitor/internal/models"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSource снимает реальные метрики локального хоста через gopsutil.
// Знает только одну машину, свой machineID.
type HostSource struct {
	machineID string

	cpuPercent  func() (float64, error)
	memPercent  func() (float64, error)
	temperature func() (float64, bool)
}

// NewHostSource создает источник для локального хоста
func NewHostSource(machineID string) *HostSource {
	return &HostSource{
		machineID:   machineID,
		cpuPercent:  hostCPUPercent,
		memPercent:  hostMemPercent,
		temperature: hostTemperature,
	}
}

// Next выдает текущие показания хоста. Без датчиков температура 0.
func (h *HostSource) Next(machineID string, now time.Time) (models.MetricSample, error) {
	if machineID != h.machineID {
		return models.MetricSample{}, fmt.Errorf("host source serves %q, not %q: %w", h.machineID, machineID, models.ErrUnknownMachine)
	}

	cpuUsage, err := h.cpuPercent()
	if err != nil {
		return models.MetricSample{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	memUsage, err := h.memPercent()
	if err != nil {
		return models.MetricSample{}, fmt.Errorf("failed to read memory usage: %w", err)
	}
	temp, _ := h.temperature()

	return models.MetricSample{
		MachineID:   machineID,
		Timestamp:   now,
		Temperature: round2(temp),
		CPUUsage:    clamp(round2(cpuUsage), 0, 100),
		MemoryUsage: clamp(round2(memUsage), 0, 100),
	}, nil
}

func hostCPUPercent() (float64, error) {
	// interval 0 сравнивает с предыдущим вызовом
	values, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no cpu statistics")
	}
	return values[0], nil
}

func hostMemPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// hostTemperature максимальная температура среди датчиков.
// gopsutil может вернуть частичный список вместе с ошибкой, поэтому ошибку не проверяем.
func hostTemperature() (float64, bool) {
	sensors, _ := host.SensorsTemperatures()
	found := false
	hottest := 0.0
	for _, s := range sensors {
		if s.Temperature <= 0 || math.IsNaN(s.Temperature) || math.IsInf(s.Temperature, 0) {
			continue
		}
		if !found || s.Temperature > hottest {
			hottest = s.Temperature
			found = true
		}
	}
	return hottest, found
}
