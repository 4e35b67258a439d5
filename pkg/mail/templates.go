package mail

import (
	"bytes"
	_ "embed"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
)

// ScheduleChangeMailParams feeds both schedule-change templates.
type ScheduleChangeMailParams struct {
	Subject     string
	SenderName  string
	PatientName string
	// DoctorName renders as "N/A" when empty or blank.
	DoctorName string
	Previous   Schedule
	New        Schedule
}

var (
	scheduleChangeHTMLTemplate = htmltemplate.New("scheduleChangeHTML").Funcs(sprig.HtmlFuncMap())
	scheduleChangeTextTemplate = texttemplate.New("scheduleChangeText").Funcs(sprig.TxtFuncMap())

	//go:embed templates/schedule_change.html
	scheduleChangeHTMLRaw string
	//go:embed templates/schedule_change.txt
	scheduleChangeTextRaw string
)

func init() {
	if _, err := scheduleChangeHTMLTemplate.Parse(scheduleChangeHTMLRaw); err != nil {
		panic(err)
	}
	if _, err := scheduleChangeTextTemplate.Parse(scheduleChangeTextRaw); err != nil {
		panic(err)
	}
}

func render(execute func(*bytes.Buffer) error) (string, error) {
	b := bytes.Buffer{}
	err := execute(&b)
	return b.String(), err
}

// withDefaults blanks a whitespace-only doctor name so the templates fall
// back to "N/A". Other values are passed through unchanged.
func (p ScheduleChangeMailParams) withDefaults() ScheduleChangeMailParams {
	if strings.TrimSpace(p.DoctorName) == "" {
		p.DoctorName = ""
	}
	return p
}

// RenderScheduleChangeHTML renders the HTML body. Interpolated values are
// escaped for their HTML context.
func RenderScheduleChangeHTML(p ScheduleChangeMailParams) (string, error) {
	return render(func(b *bytes.Buffer) error { return scheduleChangeHTMLTemplate.Execute(b, p.withDefaults()) })
}

// RenderScheduleChangeText renders the plain-text body with values verbatim.
func RenderScheduleChangeText(p ScheduleChangeMailParams) (string, error) {
	return render(func(b *bytes.Buffer) error { return scheduleChangeTextTemplate.Execute(b, p.withDefaults()) })
}
