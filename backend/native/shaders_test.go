//go:build !nogpu

package native

import (
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/gogpu/splat/gpucore"
	"github.com/gogpu/splat/internal/abi"
)

var bindingDecl = regexp.MustCompile(`@group\(0\) @binding\((\d+)\) var<(uniform|storage, read|storage, read_write)>`)

// TestShaderSourcesNonEmpty verifies that every kernel has an embedded
// compute shader.
func TestShaderSourcesNonEmpty(t *testing.T) {
	for k := range gpucore.KernelCount {
		t.Run(k.String(), func(t *testing.T) {
			src, err := ShaderSource(k)
			if err != nil {
				t.Fatalf("ShaderSource: %v", err)
			}
			for _, want := range []string{"@compute", "@workgroup_size", "fn main", "var<uniform> params"} {
				if !strings.Contains(src, want) {
					t.Errorf("shader missing %q", want)
				}
			}
		})
	}
	if _, err := ShaderSource(gpucore.KernelCount); err == nil {
		t.Error("ShaderSource(KernelCount) succeeded")
	}
}

// TestShaderBindingsMatchLayout verifies the group 0 declarations of each
// shader against the binding layout used to create its pipeline.
func TestShaderBindingsMatchLayout(t *testing.T) {
	for k := range gpucore.KernelCount {
		t.Run(k.String(), func(t *testing.T) {
			src, _ := ShaderSource(k)
			declared := make(map[uint32]string)
			for _, m := range bindingDecl.FindAllStringSubmatch(src, -1) {
				n, _ := strconv.ParseUint(m[1], 10, 32)
				declared[uint32(n)] = m[2]
			}

			layout := abi.Layout(k)
			if len(declared) != len(layout) {
				t.Fatalf("shader declares %d bindings, layout has %d", len(declared), len(layout))
			}
			for _, b := range layout {
				got, ok := declared[b.Binding]
				if !ok {
					t.Errorf("binding %d not declared", b.Binding)
					continue
				}
				var want string
				switch b.Kind {
				case gpucore.BindingUniform:
					want = "uniform"
				case gpucore.BindingStorageRead:
					want = "storage, read"
				default:
					want = "storage, read_write"
				}
				if got != want {
					t.Errorf("binding %d declared %q, want %q", b.Binding, got, want)
				}
			}
		})
	}
}

func TestShaderConstantsMatchCore(t *testing.T) {
	if shaderWorkgroupSize != gpucore.WorkgroupSize {
		t.Errorf("shader workgroup size %d, core %d", shaderWorkgroupSize, gpucore.WorkgroupSize)
	}
	if shaderTileWidth != gpucore.TileWidth || shaderTileHeight != gpucore.TileHeight {
		t.Errorf("shader tile %dx%d, core %dx%d",
			shaderTileWidth, shaderTileHeight, gpucore.TileWidth, gpucore.TileHeight)
	}
	raster, _ := ShaderSource(gpucore.KernelRaster)
	if !strings.Contains(raster, "@workgroup_size(16, 16)") {
		t.Error("raster shader is not one workgroup per tile")
	}
	for _, k := range []gpucore.Kernel{gpucore.KernelProject, gpucore.KernelScanStep, gpucore.KernelKeys, gpucore.KernelRanges} {
		src, _ := ShaderSource(k)
		if !strings.Contains(src, "@workgroup_size(256)") {
			t.Errorf("%s shader does not use workgroup size 256", k)
		}
	}
}

// TestCompileSPIRV compiles every shader with naga.
func TestCompileSPIRV(t *testing.T) {
	for k := range gpucore.KernelCount {
		t.Run(k.String(), func(t *testing.T) {
			code, err := CompileSPIRV(k)
			if err != nil {
				t.Fatalf("CompileSPIRV: %v", err)
			}
			if len(code) < 5 {
				t.Fatalf("SPIR-V too short: %d words", len(code))
			}
			if code[0] != 0x07230203 {
				t.Errorf("SPIR-V magic = %#08x", code[0])
			}
		})
	}
}

// stripComments removes line comments, which may hold unbalanced
// interval notation such as "[start, end)".
func stripComments(src string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		if j := strings.Index(line, "//"); j >= 0 {
			lines[i] = line[:j]
		}
	}
	return strings.Join(lines, "\n")
}

func TestWGSLSyntaxBasics(t *testing.T) {
	for k := range gpucore.KernelCount {
		src, _ := ShaderSource(k)
		src = stripComments(src)
		if strings.Count(src, "{") != strings.Count(src, "}") {
			t.Errorf("%s: unbalanced braces", k)
		}
		if strings.Count(src, "(") != strings.Count(src, ")") {
			t.Errorf("%s: unbalanced parentheses", k)
		}
	}
}
