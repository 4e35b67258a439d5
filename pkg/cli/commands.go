package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carelink/schedule-notifier/pkg/mail"
	"github.com/carelink/schedule-notifier/pkg/version"
)

// ErrVerifyFailed is returned by "notifier verify" so the process exits non-zero.
var ErrVerifyFailed = errors.New("mail transport verification failed")

func NewVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the mail service accepts the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if !rt.dispatcher(nil).Verify(cmd.Context()) {
				return ErrVerifyFailed
			}
			_, err = fmt.Fprintln(rt.writer, "mail transport OK")
			return err
		},
	}
}

type sendOptions struct {
	to      string
	subject string
	patient string
	doctor  string
	prev    mail.Schedule
	next    mail.Schedule
}

func (o *sendOptions) notice() *mail.ScheduleChangeNotice {
	prev, next := o.prev, o.next
	return &mail.ScheduleChangeNotice{
		Recipient:        o.to,
		Subject:          o.subject,
		PatientName:      o.patient,
		DoctorName:       o.doctor,
		PreviousSchedule: &prev,
		NewSchedule:      &next,
	}
}

func NewSendCommand() *cobra.Command {
	o := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one schedule-change notification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			outcome, err := rt.dispatcher(nil).Send(cmd.Context(), o.notice())
			if err != nil {
				var me *mail.Error
				if errors.As(err, &me) && me.Hint != "" {
					return fmt.Errorf("%w (hint: %s)", err, me.Hint)
				}
				return err
			}
			_, err = fmt.Fprintf(rt.writer, "sent %s\n%s\n", outcome.MessageID, outcome.TransportResponse)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.to, "to", "", "Recipient email address")
	f.StringVar(&o.subject, "subject", "", "Subject (default \""+mail.DefaultSubject+"\")")
	f.StringVar(&o.patient, "patient", "", "Patient name")
	f.StringVar(&o.doctor, "doctor", "", "Doctor name")
	f.StringVar(&o.prev.Day, "prev-day", "", "Previous appointment day")
	f.StringVar(&o.prev.Date, "prev-date", "", "Previous appointment date")
	f.StringVar(&o.prev.Time, "prev-time", "", "Previous appointment time")
	f.StringVar(&o.next.Day, "new-day", "", "New appointment day")
	f.StringVar(&o.next.Date, "new-date", "", "New appointment date")
	f.StringVar(&o.next.Time, "new-time", "", "New appointment time")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(rt.writer, version.GetBuildInfo().String())
			return err
		},
	}
}

func NewCompletionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			w := rt.writer
			switch shell := args[0]; shell {
			case "bash":
				return cmd.Root().GenBashCompletion(w)
			case "zsh":
				return cmd.Root().GenZshCompletion(w)
			case "fish":
				return cmd.Root().GenFishCompletion(w, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(w)
			default:
				return fmt.Errorf("unsupported shell: %s", shell)
			}
		},
	}
}
