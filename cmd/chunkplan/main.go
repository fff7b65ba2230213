// chunkplan inspects the chunk layout the planner would choose for a model.
//
// It reads a JSON tensor manifest -- an array of {"name": ..., "dims": [...]}
// in declaration order -- runs the capacity search and prints the resulting
// chunks per requested world size.
//
// Example:
//
//	chunkplan -world=1,4 -interval=512 model.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/chunkflow/chunkflow/chunks"
)

var (
	flagWorld    = flag.String("world", "1", "Comma-separated worker-group sizes to plan for.")
	flagLo       = flag.Int("search_lo", 0, "Lowest candidate capacity, in elements. 0 derives it from the largest tensor.")
	flagHi       = flag.Int("search_hi", 0, "Highest candidate capacity, in elements. 0 uses the default search span.")
	flagInterval = flag.Int("interval", chunks.DefaultSearchInterval, "Spacing between candidate capacities, in elements.")
	flagExplicit = flag.Int("capacity", 0, "Skip the search and force this capacity, in elements.")
	flagDType    = flag.String("dtype", "float16", "Compute dtype used for byte sizes: float16, bfloat16 or float32.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one tensor manifest file. See 'chunkplan -help'.")
		os.Exit(1)
	}

	var decls []chunks.TensorDecl
	must.M(json.Unmarshal(must.M1(os.ReadFile(args[0])), &decls))

	dtype := parseDType(*flagDType)
	worlds := parseWorlds(*flagWorld)
	planner := chunks.Plan(decls).WorldSizes(worlds...)
	if *flagExplicit > 0 {
		planner.ExplicitCapacity(*flagExplicit)
	} else {
		if *flagLo > 0 || *flagHi > 0 {
			planner.SearchCapacityRange(*flagLo, *flagHi)
		}
		planner.SearchInterval(*flagInterval)
	}
	layouts := must.M1(planner.Done())

	for _, world := range worlds {
		report(layouts[world], dtype)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)

	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func newChunkTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col <= 3 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(layout *chunks.Layout, dtype dtypes.DType) {
	fmt.Printf("\nWorld size %d: capacity %s elements (%s per chunk), %d chunks, waste %s elements\n",
		layout.WorldSize,
		humanize.Comma(int64(layout.Capacity)),
		humanize.IBytes(uint64(int64(dtype.Memory())*int64(layout.Capacity))),
		len(layout.Chunks),
		humanize.Comma(int64(layout.Waste())))

	table := newChunkTable().
		Headers("Chunk", "Capacity", "Occupied", "Bytes", "Tensors")
	for _, spec := range layout.Chunks {
		names := make([]string, 0, len(spec.Tensors))
		for _, tensor := range spec.Tensors {
			name := tensor.Name
			if tensor.NumSegments > 1 {
				name = fmt.Sprintf("%s[%d/%d]", name, tensor.Segment+1, tensor.NumSegments)
			}
			names = append(names, name)
		}
		label := strconv.Itoa(spec.Index)
		if spec.Dedicated {
			label += "*"
		}
		table.Row(label,
			humanize.Comma(int64(spec.Capacity)),
			humanize.Comma(int64(spec.Occupied)),
			humanize.IBytes(uint64(int64(dtype.Memory())*int64(spec.Capacity))),
			strings.Join(names, ", "))
	}
	fmt.Println(table.Render())
	fmt.Println("(*) dedicated chunk of an oversized tensor")
}

func parseWorlds(value string) []int {
	var worlds []int
	for _, part := range strings.Split(value, ",") {
		worlds = append(worlds, int(must.M1(strconv.ParseInt(strings.TrimSpace(part), 10, 32))))
	}
	return worlds
}

func parseDType(value string) dtypes.DType {
	switch strings.ToLower(value) {
	case "float16", "half":
		return dtypes.Float16
	case "bfloat16":
		return dtypes.BFloat16
	case "float32", "full":
		return dtypes.Float32
	}
	klog.Errorf("Unknown dtype %q, expected float16, bfloat16 or float32.", value)
	os.Exit(1)
	return dtypes.InvalidDType
}
