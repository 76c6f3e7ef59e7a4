package analytics

import (
	"errors"
	"math"
	"math/rand"
)

// eulerGamma постоянная Эйлера-Маскерони для гармонического числа
const eulerGamma = 0.5772156649

var (
	errEmptyDataset     = errors.New("empty dataset")
	errRaggedFeatures   = errors.New("feature vectors have different lengths")
	errDegenerateSample = errors.New("all samples are identical")
)

// isolationTree узел случайного разбивающего дерева
type isolationTree struct {
	splitFeature int
	splitValue   float64
	left         *isolationTree
	right        *isolationTree
	size         int
	isLeaf       bool
}

// IsolationForest ансамбль isolation-деревьев. Модель не дообучается:
// каждый Fit строит лес заново по переданным точкам.
type IsolationForest struct {
	trees         []*isolationTree
	numTrees      int
	subSampleSize int
	sampleSize    int // фактический размер подвыборки последнего Fit
	maxDepth      int
	rng           *rand.Rand
}

// NewIsolationForest создает лес с фиксированным seed
func NewIsolationForest(numTrees, subSampleSize int, seed int64) *IsolationForest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if subSampleSize <= 1 {
		subSampleSize = 256
	}
	return &IsolationForest{
		numTrees:      numTrees,
		subSampleSize: subSampleSize,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Fit строит лес по точкам data
func (f *IsolationForest) Fit(data [][]float64) error {
	if len(data) == 0 {
		return errEmptyDataset
	}
	width := len(data[0])
	for _, p := range data {
		if len(p) != width || width == 0 {
			return errRaggedFeatures
		}
	}
	if allIdentical(data) {
		return errDegenerateSample
	}

	f.sampleSize = f.subSampleSize
	if f.sampleSize > len(data) {
		f.sampleSize = len(data)
	}
	// предел глубины как у оригинального алгоритма: ceil(log2(psi))
	f.maxDepth = int(math.Ceil(math.Log2(float64(f.sampleSize))))
	if f.maxDepth < 1 {
		f.maxDepth = 1
	}

	f.trees = make([]*isolationTree, 0, f.numTrees)
	for i := 0; i < f.numTrees; i++ {
		sample := f.sampleData(data)
		f.trees = append(f.trees, f.buildTree(sample, 0))
	}
	return nil
}

// Score возвращает аномальность точки в диапазоне (0, 1]; чем больше, тем аномальнее.
// score = 2^(-E[h(x)] / c(psi))
func (f *IsolationForest) Score(point []float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}

	total := 0.0
	for _, tree := range f.trees {
		total += f.pathLength(tree, point, 0)
	}
	avg := total / float64(len(f.trees))

	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

// ScoreAll считает аномальность для каждой точки
func (f *IsolationForest) ScoreAll(points [][]float64) []float64 {
	scores := make([]float64, len(points))
	for i, p := range points {
		scores[i] = f.Score(p)
	}
	return scores
}

// sampleData случайная подвыборка без повторений (Fisher-Yates)
func (f *IsolationForest) sampleData(data [][]float64) [][]float64 {
	shuffled := make([][]float64, len(data))
	copy(shuffled, data)

	for i := len(shuffled) - 1; i > 0; i-- {
		j := f.rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:f.sampleSize]
}

func (f *IsolationForest) buildTree(data [][]float64, depth int) *isolationTree {
	if len(data) <= 1 || depth >= f.maxDepth || allIdentical(data) {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	// выбираем признак, у которого есть разброс, иначе разбиение бесполезно
	numFeatures := len(data[0])
	splitFeature := f.rng.Intn(numFeatures)
	minVal, maxVal := featureRange(data, splitFeature)
	for tries := 0; minVal == maxVal && tries < numFeatures; tries++ {
		splitFeature = (splitFeature + 1) % numFeatures
		minVal, maxVal = featureRange(data, splitFeature)
	}
	if minVal == maxVal {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)
	left, right := splitData(data, splitFeature, splitValue)
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	return &isolationTree{
		splitFeature: splitFeature,
		splitValue:   splitValue,
		left:         f.buildTree(left, depth+1),
		right:        f.buildTree(right, depth+1),
		size:         len(data),
	}
}

func (f *IsolationForest) pathLength(tree *isolationTree, point []float64, depth int) float64 {
	if tree.isLeaf {
		// недостроенное поддерево оцениваем средней длиной пути
		return float64(depth) + averagePathLength(tree.size)
	}
	if point[tree.splitFeature] < tree.splitValue {
		return f.pathLength(tree.left, point, depth+1)
	}
	return f.pathLength(tree.right, point, depth+1)
}

// averagePathLength c(n) = 2H(n-1) - 2(n-1)/n, средняя длина неуспешного поиска в BST
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - 2*float64(n-1)/float64(n)
}

func allIdentical(data [][]float64) bool {
	if len(data) <= 1 {
		return true
	}
	first := data[0]
	for _, p := range data[1:] {
		for j := range first {
			if math.Abs(p[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data [][]float64, feature int) (float64, float64) {
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, p := range data {
		v := p[feature]
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return minVal, maxVal
}

func splitData(data [][]float64, feature int, splitValue float64) ([][]float64, [][]float64) {
	left := make([][]float64, 0, len(data))
	right := make([][]float64, 0, len(data))
	for _, p := range data {
		if p[feature] < splitValue {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	return left, right
}
