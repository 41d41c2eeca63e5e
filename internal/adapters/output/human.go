package output

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/mpv_bridge/internal/adapters/mqtt"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

// HumanPrinter prints human-readable output.
type HumanPrinter struct {
	W     io.Writer
	Quiet bool
	// Now stamps watch lines; defaults to time.Now.
	Now func() time.Time
}

// Print renders human output.
func (p HumanPrinter) Print(v any) error {
	switch data := v.(type) {
	case mqtt.StateUpdate:
		return p.printUpdate(data)
	case Instances:
		return p.printInstances(data)
	case Topics:
		return p.printTopics(data)
	case Ack:
		if p.Quiet {
			return nil
		}
		_, err := fmt.Fprintf(p.W, "%s %s\n", pterm.FgGray.Sprint(data.Topic), data.Payload)
		return err
	default:
		_, err := fmt.Fprintln(p.W, "ok")
		return err
	}
}

func (p HumanPrinter) printUpdate(update mqtt.StateUpdate) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	suffix := ""
	if update.Retained {
		suffix = pterm.FgGray.Sprint(" (retained)")
	}
	_, err := fmt.Fprintf(p.W, "%s  %-12s %-8s %s%s\n",
		now().Format("15:04:05"),
		update.Host,
		update.Kind,
		colorState(update.Value),
		suffix,
	)
	return err
}

func (p HumanPrinter) printInstances(instances Instances) error {
	hosts := make([]string, 0, len(instances))
	for host := range instances {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	data := pterm.TableData{{"HOST", "STATE"}}
	for _, host := range hosts {
		data = append(data, []string{host, colorState(instances[host])})
	}
	return p.renderTable(data)
}

func (p HumanPrinter) printTopics(rows Topics) error {
	data := pterm.TableData{{"CATEGORY", "TOPIC"}}
	for _, row := range rows {
		data = append(data, []string{row.Category, row.Topic})
	}
	return p.renderTable(data)
}

func (p HumanPrinter) renderTable(data pterm.TableData) error {
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.W, table)
	return err
}

func colorState(value string) string {
	switch value {
	case bridge.StatePlay, bridge.InstanceOnline:
		return pterm.FgGreen.Sprint(value)
	case bridge.StatePause:
		return pterm.FgYellow.Sprint(value)
	case bridge.StateStop, bridge.InstanceOffline:
		return pterm.FgRed.Sprint(value)
	default:
		return value
	}
}
