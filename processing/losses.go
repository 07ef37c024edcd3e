package processing

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"

	"github.com/okieraised/go-ssd-pipeline/config"
	"github.com/okieraised/go-ssd-pipeline/utils"
)

// scoreIgnoreCutoff separates ignored anchors from negative mining
// candidates. Anchors whose ground truth score lies in (-0.5, match
// threshold] are eligible negatives, anchors at or below it take part in
// neither loss term.
const scoreIgnoreCutoff = -0.5

// LossTerms holds the three components of the detector training loss. Each
// term is already normalized by the batch size.
type LossTerms struct {
	CrossEntropyPos float32
	CrossEntropyNeg float32
	Localization    float32
}

// Total returns the sum of the three loss components.
func (l *LossTerms) Total() float32 {
	return l.CrossEntropyPos + l.CrossEntropyNeg + l.Localization
}

// SSDLosses computes the training loss from per-layer network outputs and
// encoded ground truth. Logits and localisations are the raw head outputs
// as [batch, H, W, anchors, classes] and [batch, H, W, anchors, 4], the
// gclasses, glocalisations and gscores lists carry the matched target
// class, box offsets and overlap score of every anchor in the same layout.
// Classes must be integer tensors.
//
// Positives are anchors whose score exceeds the match threshold and
// contribute cross entropy against their target class plus the smooth L1
// box term. Negatives are mined from the remaining anchors above the ignore
// cutoff: they are ranked by predicted background probability and the
// hardest negativeRatio*n_pos+batch of them contribute cross entropy
// against the background class. Inputs are never modified.
func SSDLosses(logits, localisations, gclasses, glocalisations, gscores []*tensor.Dense, p *config.SSDLossParams) (*LossTerms, error) {
	if p == nil {
		p = config.DefaultSSDLossParams
	}
	if len(logits) == 0 {
		return nil, errors.New("no logits given, cannot determine the number of classes")
	}
	if len(localisations) != len(logits) ||
		len(gclasses) != len(logits) ||
		len(glocalisations) != len(logits) ||
		len(gscores) != len(logits) {
		return nil, errors.Errorf(
			"per-layer list length mismatch: %d logits, %d localisations, %d classes, %d target boxes, %d scores",
			len(logits), len(localisations), len(gclasses), len(glocalisations), len(gscores),
		)
	}

	lshape := logits[0].Shape()
	if len(lshape) != 5 {
		return nil, errors.Errorf("logits must be [batch, H, W, anchors, classes], got shape %v", lshape)
	}
	batchSize := lshape[0]
	numClasses := lshape[4]
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	if numClasses <= 0 {
		return nil, errors.Errorf("invalid number of classes %d", numClasses)
	}

	// Flatten every layer to anchor-major order and stack across layers so
	// that all loss terms run over a single index space.
	flatLogits := make([]*tensor.Dense, 0, len(logits))
	flatClasses := make([]*tensor.Dense, 0, len(logits))
	flatScores := make([]*tensor.Dense, 0, len(logits))
	flatLocs := make([]*tensor.Dense, 0, len(logits))
	flatGlocs := make([]*tensor.Dense, 0, len(logits))
	for i := range logits {
		fl, err := utils.Reshape2D(logits[i], numClasses)
		if err != nil {
			return nil, errors.Wrapf(err, "logits layer %d", i)
		}
		flatLogits = append(flatLogits, fl)

		fc, err := utils.Flatten1D(gclasses[i])
		if err != nil {
			return nil, errors.Wrapf(err, "classes layer %d", i)
		}
		flatClasses = append(flatClasses, fc)

		fs, err := utils.Flatten1D(gscores[i])
		if err != nil {
			return nil, errors.Wrapf(err, "scores layer %d", i)
		}
		flatScores = append(flatScores, fs)

		fo, err := utils.Reshape2D(localisations[i], 4)
		if err != nil {
			return nil, errors.Wrapf(err, "localisations layer %d", i)
		}
		flatLocs = append(flatLocs, fo)

		fg, err := utils.Reshape2D(glocalisations[i], 4)
		if err != nil {
			return nil, errors.Wrapf(err, "target boxes layer %d", i)
		}
		flatGlocs = append(flatGlocs, fg)
	}

	allLogits, err := utils.VStack(flatLogits)
	if err != nil {
		return nil, err
	}
	allClasses, err := utils.VStack(flatClasses)
	if err != nil {
		return nil, err
	}
	allScores, err := utils.VStack(flatScores)
	if err != nil {
		return nil, err
	}
	allLocs, err := utils.VStack(flatLocs)
	if err != nil {
		return nil, err
	}
	allGlocs, err := utils.VStack(flatGlocs)
	if err != nil {
		return nil, err
	}

	n := allLogits.Shape()[0]
	if allClasses.DataSize() != n || allScores.DataSize() != n {
		return nil, errors.Errorf(
			"ground truth misaligned with logits: %d anchors, %d classes, %d scores",
			n, allClasses.DataSize(), allScores.DataSize(),
		)
	}
	if allLocs.DataSize() != n*4 || allGlocs.DataSize() != n*4 {
		return nil, errors.Errorf(
			"box regressions misaligned with logits: %d anchors, %d predicted coordinates, %d target coordinates",
			n, allLocs.DataSize(), allGlocs.DataSize(),
		)
	}
	if allClasses.Dtype() != tensor.Int {
		return nil, errors.Errorf("ground truth classes must be integers, got %v", allClasses.Dtype())
	}

	logitsData := allLogits.Float32s()
	classes := allClasses.Ints()
	scores := allScores.Float32s()
	locsData := allLocs.Float32s()
	glocsData := allGlocs.Float32s()

	pmask := make([]bool, n)
	nPos := 0
	for i, s := range scores {
		if s > p.MatchThreshold {
			pmask[i] = true
			nPos++
		}
	}

	// Hard negative mining: rank eligible anchors by their predicted
	// background probability, the least background-like come first.
	predictions, err := utils.SoftmaxLastDim(allLogits)
	if err != nil {
		return nil, err
	}
	preds := predictions.Float32s()

	eligible := make([]int, 0, n)
	hardness := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if pmask[i] || scores[i] <= scoreIgnoreCutoff {
			continue
		}
		eligible = append(eligible, i)
		hardness = append(hardness, float64(preds[i*numClasses]))
	}

	nNeg := int(p.NegativeRatio*float32(nPos)) + batchSize
	if nNeg > len(eligible) {
		nNeg = len(eligible)
	}
	if nNeg < 0 {
		nNeg = 0
	}

	hard := make([]int, 0, nNeg)
	if nNeg > 0 {
		inds := make([]int, len(hardness))
		floats.Argsort(hardness, inds)
		for _, j := range inds[:nNeg] {
			hard = append(hard, eligible[j])
		}
	}

	terms := &LossTerms{}
	for i := 0; i < n; i++ {
		if !pmask[i] {
			continue
		}
		label := classes[i]
		if label < 0 || label >= numClasses {
			return nil, errors.Errorf("class id %d of anchor %d outside [0, %d)", label, i, numClasses)
		}
		terms.CrossEntropyPos += crossEntropy(logitsData[i*numClasses:(i+1)*numClasses], label)
	}
	for _, i := range hard {
		terms.CrossEntropyNeg += crossEntropy(logitsData[i*numClasses:(i+1)*numClasses], 0)
	}

	diff := make([]float32, len(locsData))
	copy(diff, locsData)
	vecf32.Sub(diff, glocsData)
	for i := 0; i < n; i++ {
		if !pmask[i] {
			continue
		}
		for d := 0; d < 4; d++ {
			terms.Localization += smoothL1(diff[i*4+d])
		}
	}

	terms.CrossEntropyPos /= float32(batchSize)
	terms.CrossEntropyNeg /= float32(batchSize)
	terms.Localization = terms.Localization * p.Alpha / float32(batchSize)
	return terms, nil
}

// crossEntropy computes -log softmax(logits)[label] in log-sum-exp form.
func crossEntropy(logits []float32, label int) float32 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float32
	for _, v := range logits {
		sum += math32.Exp(v - maxLogit)
	}
	return maxLogit + math32.Log(sum) - logits[label]
}

// smoothL1 is the robust box regression penalty, quadratic inside the unit
// interval and linear outside.
func smoothL1(x float32) float32 {
	ax := math32.Abs(x)
	if ax < 1 {
		return 0.5 * x * x
	}
	return ax - 0.5
}
