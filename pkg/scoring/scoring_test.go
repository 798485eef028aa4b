package scoring

import (
	"errors"
	"math"
	"testing"

	"stacknorm/internal/models"
)

// makeStack builds a stack of constant planes with the given values.
func makeStack(width, height int, planeValues ...[]float64) *models.ChannelStack {
	stack := &models.ChannelStack{
		Data:   make([]float64, len(planeValues)*width*height),
		Slices: len(planeValues),
		Width:  width,
		Height: height,
	}
	for z, plane := range planeValues {
		copy(stack.Slice(z), plane)
	}
	return stack
}

// brightSquare returns a dark plane with a bright block in the middle.
func brightSquare(width, height int, level float64) []float64 {
	plane := make([]float64, width*height)
	for y := height / 4; y < 3*height/4; y++ {
		for x := width / 4; x < 3*width/4; x++ {
			plane[y*width+x] = level
		}
	}
	return plane
}

func flatPlane(width, height int, level float64) []float64 {
	plane := make([]float64, width*height)
	for i := range plane {
		plane[i] = level
	}
	return plane
}

func TestRobustNoiseFloor(t *testing.T) {
	// A constant plane has zero deviation; the floor must hold.
	noise := RobustNoise(flatPlane(16, 16, 100.0))
	if noise != 1e-6 {
		t.Errorf("Expected floored noise 1e-6 for a constant plane, got %g", noise)
	}
}

func TestRobustNoiseNonzeroSpread(t *testing.T) {
	plane := make([]float64, 100)
	for i := range plane {
		plane[i] = float64(i % 10)
	}
	noise := RobustNoise(plane)
	if noise <= 1e-6 {
		t.Errorf("Expected noise above the floor for spread data, got %g", noise)
	}
}

func TestSelectReferencePrefersStructure(t *testing.T) {
	// Empty slices score a zero composite; the one slice with real
	// structure must win regardless of position.
	width, height := 16, 16
	stack := makeStack(width, height,
		flatPlane(width, height, 0),
		brightSquare(width, height, 200.0),
		flatPlane(width, height, 0),
	)

	index, err := SelectReference(stack, DefaultParams())
	if err != nil {
		t.Fatalf("SelectReference failed: %v", err)
	}
	if index != 1 {
		t.Errorf("Expected the structured slice 1 to win, got %d", index)
	}
}

func TestSelectReferenceIndexInRange(t *testing.T) {
	width, height := 12, 12
	stack := makeStack(width, height,
		flatPlane(width, height, 0),
		flatPlane(width, height, 0),
		flatPlane(width, height, 0),
	)

	index, err := SelectReference(stack, DefaultParams())
	if err != nil {
		t.Fatalf("SelectReference failed: %v", err)
	}
	if index < 0 || index >= stack.Slices {
		t.Errorf("Expected index in [0,%d), got %d", stack.Slices, index)
	}
}

func TestSelectReferenceFirstWinsTies(t *testing.T) {
	width, height := 16, 16
	same := brightSquare(width, height, 100.0)
	stack := makeStack(width, height, same, same, same)

	index, err := SelectReference(stack, DefaultParams())
	if err != nil {
		t.Fatalf("SelectReference failed: %v", err)
	}
	if index != 0 {
		t.Errorf("Expected first slice to win a tie, got %d", index)
	}
}

func TestSelectReferenceEmptyStack(t *testing.T) {
	_, err := SelectReference(nil, DefaultParams())
	if !errors.Is(err, ErrEmptyStack) {
		t.Errorf("Expected ErrEmptyStack for nil stack, got %v", err)
	}

	_, err = SelectReference(&models.ChannelStack{}, DefaultParams())
	if !errors.Is(err, ErrEmptyStack) {
		t.Errorf("Expected ErrEmptyStack for zero slices, got %v", err)
	}
}

func TestSelectReferenceMeanStdPolicy(t *testing.T) {
	width, height := 16, 16
	p := DefaultParams()
	p.Policy = PolicyMeanStd

	// Slice 1 has high mean and low spread, the best dB score.
	noisy := make([]float64, width*height)
	for i := range noisy {
		noisy[i] = float64((i * 37) % 200)
	}
	smooth := flatPlane(width, height, 100.0)
	for i := 0; i < len(smooth); i += 2 {
		smooth[i] = 101.0
	}

	stack := makeStack(width, height, noisy, smooth)
	index, err := SelectReference(stack, p)
	if err != nil {
		t.Fatalf("SelectReference failed: %v", err)
	}
	if index != 1 {
		t.Errorf("Expected the low-variance slice 1 to win under meanstd, got %d", index)
	}
}

func TestScoreSliceComposite(t *testing.T) {
	width, height := 16, 16
	score := ScoreSlice(brightSquare(width, height, 150.0), width, height, DefaultParams())

	if math.IsNaN(score.Composite) || math.IsInf(score.Composite, 0) {
		t.Errorf("Expected finite composite, got %f", score.Composite)
	}
	if score.SNR <= 0 {
		t.Errorf("Expected positive SNR for a structured slice, got %f", score.SNR)
	}
	if score.Composite < score.SNR {
		t.Errorf("Expected composite >= SNR with non-negative structure term, SNR=%f composite=%f",
			score.SNR, score.Composite)
	}
}

func TestScoresReportsEverySlice(t *testing.T) {
	width, height := 8, 8
	stack := makeStack(width, height,
		flatPlane(width, height, 1),
		flatPlane(width, height, 2),
	)

	scores := Scores(stack, DefaultParams())
	if len(scores) != 2 {
		t.Fatalf("Expected 2 scores, got %d", len(scores))
	}
	for z, s := range scores {
		if s.Index != z {
			t.Errorf("Expected score %d to carry its index, got %d", z, s.Index)
		}
	}
}
