package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zonewatch/zonewatch/pkg/domain/event"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

// Message template names accepted in the override file.
const (
	tmplEvent     = "event"
	tmplDegraded  = "degraded"
	tmplRecovered = "recovered"
	tmplDigest    = "digest"
)

// timeLayout is the human-facing timestamp format in notifications.
const timeLayout = "2006-01-02 15:04:05"

var defaultTemplates = map[string]string{
	tmplEvent:     "Detected {{.Kind}} on monitor {{.Monitor}} at {{.Time}}{{if .Link}}\n{{.Link}}{{end}}",
	tmplDegraded:  "Monitoring connection degraded: {{.Failures}} consecutive poll failures (last error: {{.Error}}). Retrying with backoff until it recovers.",
	tmplRecovered: "Monitoring connection recovered after {{.Outage}}.",
	tmplDigest:    "Status digest: {{.Armed}}/{{.Total}} monitors armed, {{.Events}} events in the last 24h, last event {{.WatermarkAge}} ago.",
}

// DigestData feeds the digest template.
type DigestData struct {
	Armed        int
	Total        int
	Events       int
	WatermarkAge string
}

// Formatter renders notification texts. Defaults follow the classic
// "Detected <cause> on monitor <name>" shape; operators can override any
// template via a messages.yaml in the template directory.
type Formatter struct {
	tmpl map[string]*template.Template
}

// NewFormatter compiles the default templates, overlaid with messages.yaml
// from dir when dir is non-empty.
func NewFormatter(dir string) (*Formatter, error) {
	sources := make(map[string]string, len(defaultTemplates))
	for name, text := range defaultTemplates {
		sources[name] = text
	}

	if dir != "" {
		overrides, err := loadOverrides(filepath.Join(dir, "messages.yaml"))
		if err != nil {
			return nil, err
		}
		for name, text := range overrides {
			if _, known := sources[name]; !known {
				return nil, fmt.Errorf("message template %q: unknown name", name)
			}
			sources[name] = text
		}
	}

	f := &Formatter{tmpl: make(map[string]*template.Template, len(sources))}
	for name, text := range sources {
		t, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("message template %q: %w", name, err)
		}
		f.tmpl[name] = t
	}
	return f, nil
}

func loadOverrides(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message templates: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("message templates: %w", err)
	}
	logger.InfoCF("notify", "Loaded message template overrides", map[string]interface{}{
		"path":  path,
		"count": len(overrides),
	})
	return overrides, nil
}

// Event renders the per-event notification line.
func (f *Formatter) Event(ev event.Event) string {
	monitorLabel := ev.MonitorName
	if monitorLabel == "" {
		monitorLabel = "#" + ev.MonitorID
	}
	return f.render(tmplEvent, map[string]interface{}{
		"ID":      ev.ID,
		"Kind":    ev.Kind,
		"Monitor": monitorLabel,
		"Time":    ev.OccurredAt.Format(timeLayout),
		"Summary": ev.Summary,
		"Link":    ev.MediaRef,
	})
}

// Degraded renders the one-shot degraded-service notice.
func (f *Formatter) Degraded(failures int, lastErr error) string {
	errText := "unknown"
	if lastErr != nil {
		errText = lastErr.Error()
	}
	return f.render(tmplDegraded, map[string]interface{}{
		"Failures": failures,
		"Error":    errText,
	})
}

// Recovered renders the notice posted when polling succeeds after a
// degraded period.
func (f *Formatter) Recovered(outage time.Duration) string {
	return f.render(tmplRecovered, map[string]interface{}{
		"Outage": outage.Round(time.Second).String(),
	})
}

// Digest renders the scheduled status digest.
func (f *Formatter) Digest(d DigestData) string {
	return f.render(tmplDigest, map[string]interface{}{
		"Armed":        d.Armed,
		"Total":        d.Total,
		"Events":       d.Events,
		"WatermarkAge": d.WatermarkAge,
	})
}

func (f *Formatter) render(name string, data map[string]interface{}) string {
	var sb strings.Builder
	if err := f.tmpl[name].Execute(&sb, data); err != nil {
		logger.WarnCF("notify", "Message template failed, using fallback", map[string]interface{}{
			"template": name,
			"error":    err.Error(),
		})
		return fmt.Sprintf("%s: %v", name, data)
	}
	return sb.String()
}
