package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatMetas(metas []metaView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(metas)
	case formatTable:
		return metasTable(metas), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatMetaDetail(detail metaDetailView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(detail)
	case formatTable:
		return metaDetailTable(detail), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatEvent(ev addrEventView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(ev)
	case formatTable:
		return fmt.Sprintf("[%s] %s if=%s addr=%s\n", ev.Family, ev.Type, ev.IfName, ev.IP), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

func metasTable(metas []metaView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFAMILY\tLOCAL\tREMOTE\tSTATE\tREQUESTS\tSUBFLOWS")

	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			m.ID, m.Family, m.LocalAddr, m.RemoteAddr, m.State, m.PendingCount, m.SubflowCount)
	}

	_ = w.Flush()
	return buf.String()
}

func metaDetailTable(d metaDetailView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "ID:\t%s\n", d.ID)
	fmt.Fprintf(w, "Family:\t%s\n", d.Family)
	fmt.Fprintf(w, "Local:\t%s\n", d.LocalAddr)
	fmt.Fprintf(w, "Remote:\t%s\n", d.RemoteAddr)
	fmt.Fprintf(w, "State:\t%s\n", d.State)
	_ = w.Flush()

	buf.WriteString("\nREQUESTS\n")
	rw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(rw, "FAMILY\tLOCAL\tREMOTE\tREMOTE-ID\tSTATE")
	for _, r := range d.Requests {
		fmt.Fprintf(rw, "%s\t%s:%d\t%s:%d\t%d\t%s\n",
			r.Family, r.LocalAddr, r.LocalPort, r.RemoteAddr, r.RemotePort, r.RemoteID, r.State)
	}
	_ = rw.Flush()

	buf.WriteString("\nSUBFLOWS\n")
	sw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(sw, "FAMILY\tLOCAL\tREMOTE\tREMOTE-ID\tLOW-PRIO")
	for _, s := range d.Subflows {
		fmt.Fprintf(sw, "%s\t%s:%d\t%s:%d\t%d\t%t\n",
			s.Family, s.LocalAddr, s.LocalPort, s.RemoteAddr, s.RemotePort, s.RemoteID, s.LowPrio)
	}
	_ = sw.Flush()

	return buf.String()
}
