package harness

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/MEI-Research/ble-beacon-module/internal/event"
)

// FormatTrace renders a result as stable text: one line per queued record
// with its fields sorted by name, then notable encounters, then final
// statuses.
func FormatTrace(name string, result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", name)

	for _, ev := range result.Trace {
		fmt.Fprintf(&b, "step=%d %s %s", ev.Step, ev.Record.String(event.FieldEventID), ev.Record.Type())

		keys := make([]string, 0, len(ev.Record))
		for k := range ev.Record {
			if k == event.FieldEventID || k == event.FieldEventType {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, formatValue(ev.Record[k]))
		}
		b.WriteByte('\n')
	}

	for _, n := range result.Notable {
		fmt.Fprintf(&b, "step=%d notable beacon=%s friend=%s\n", n.Step, n.Beacon, formatValue(n.Friend))
	}
	for _, f := range result.Final {
		fmt.Fprintf(&b, "final beacon=%s friend=%s status=%s\n", f.Beacon, formatValue(f.Friend), f.Status)
	}
	return []byte(b.String())
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		if v == "" || strings.ContainsAny(v, " \t\n=\"") {
			return strconv.Quote(v)
		}
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// RunWithGolden executes a scenario and compares its formatted trace
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, FormatTrace(scenarioName, result))
}
