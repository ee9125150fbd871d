package splat

import (
	"errors"
	"slices"
	"testing"
)

func TestValidateScene(t *testing.T) {
	valid := func() *PointCloud {
		pc := &PointCloud{SHCoeffs: 4}
		pc.Append(Vec3{1, 2, 3}, Vec3{1, 1, 1}, [4]float32{1, 0, 0, 0}, 0.5, make([]float32, 12))
		return pc
	}
	tests := []struct {
		name   string
		modify func(*PointCloud)
		ok     bool
	}{
		{"valid", func(*PointCloud) {}, true},
		{"empty", func(pc *PointCloud) { *pc = PointCloud{SHCoeffs: 1} }, true},
		{"bad coefficient count", func(pc *PointCloud) { pc.SHCoeffs = 5 }, false},
		{"short sh", func(pc *PointCloud) { pc.Coeffs = pc.Coeffs[:11] }, false},
		{"short positions", func(pc *PointCloud) { pc.Pos = pc.Pos[:2] }, false},
		{"extra scale", func(pc *PointCloud) { pc.Scale = append(pc.Scale, 1) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := valid()
			tt.modify(pc)
			err := ValidateScene(pc)
			if tt.ok && err != nil {
				t.Errorf("ValidateScene() = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidScene) {
				t.Errorf("ValidateScene() = %v, want ErrInvalidScene", err)
			}
		})
	}
}

func TestSHDegreeOf(t *testing.T) {
	for k, want := range map[int]uint32{1: 0, 4: 1, 9: 2, 16: 3} {
		if got := shDegreeOf(k); got != want {
			t.Errorf("shDegreeOf(%d) = %d, want %d", k, got, want)
		}
	}
}

func TestPackVec4(t *testing.T) {
	got := packVec4([]float32{1, 2, 3, 4, 5, 6}, 3, 2, 9)
	want := []float32{1, 2, 3, 9, 4, 5, 6, 9}
	if !slices.Equal(got, want) {
		t.Errorf("packVec4 = %v, want %v", got, want)
	}
}
