package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"
)

// viewHook mirrors log entries into the dashboard's log pane using tview color tags
type viewHook struct {
	w      io.Writer
	levels []logrus.Level
}

func newViewHook(w io.Writer, level logrus.Level) *viewHook {
	return &viewHook{w: w, levels: logrus.AllLevels[:level+1]}
}

func (h *viewHook) Levels() []logrus.Level {
	return h.levels
}

func (h *viewHook) Fire(entry *logrus.Entry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[gray]%s[-] [%s]%-5s[-] ", entry.Time.Format("15:04:05"), levelColor(entry.Level), levelTag(entry.Level))

	if component, ok := entry.Data["component"]; ok {
		fmt.Fprintf(&b, "[::d]%s[::-] ", tview.Escape(fmt.Sprint(component)))
	}
	b.WriteString(tview.Escape(entry.Message))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "component" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " [gray]%s=[-]%s", k, tview.Escape(fmt.Sprint(entry.Data[k])))
	}
	b.WriteByte('\n')

	_, err := io.WriteString(h.w, b.String())
	return err
}

func levelTag(level logrus.Level) string {
	switch level {
	case logrus.WarnLevel:
		return "WARN"
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return "ERROR"
	default:
		return strings.ToUpper(level.String())
	}
}

func levelColor(level logrus.Level) string {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return "red"
	case logrus.WarnLevel:
		return "yellow"
	case logrus.InfoLevel:
		return "green"
	default:
		return "gray"
	}
}
