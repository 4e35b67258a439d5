package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carelink/schedule-notifier/pkg/audit"
	"github.com/carelink/schedule-notifier/pkg/config"
	"github.com/carelink/schedule-notifier/pkg/mail"
	"github.com/carelink/schedule-notifier/pkg/system"
)

// EnvConfigPath names the settings file when --config is not given.
const EnvConfigPath = "NOTIFIER_CONFIG"

type Config struct {
	ConfigPath   string
	EnvFile      string
	OutputWriter io.Writer
	// Logger replaces the process logger, mainly for tests.
	Logger *zap.Logger
	// TransportFactory replaces the SMTP transport, mainly for tests.
	TransportFactory mail.TransportFactory
}

type runtimeState struct {
	configPath       string
	envFile          string
	debug            bool
	writer           io.Writer
	logger           *zap.Logger
	transportFactory mail.TransportFactory

	cfg     config.Config
	mailEnv config.MailEnv
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:   getEnvString(EnvConfigPath, "./config.yaml"),
		OutputWriter: os.Stdout,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{
		configPath:       cfg.ConfigPath,
		envFile:          cfg.EnvFile,
		writer:           cfg.OutputWriter,
		logger:           cfg.Logger,
		transportFactory: cfg.TransportFactory,
	}

	root := &cobra.Command{
		Use:           "notifier",
		Short:         "Appointment schedule-change email notifier",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			return rt.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to the notifier settings file (env "+EnvConfigPath+")")
	root.PersistentFlags().StringVar(&rt.envFile, "env-file", rt.envFile, "Optional .env file loaded before reading the mail environment")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable debug level logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewServeCommand(),
		NewVerifyCommand(),
		NewSendCommand(),
		NewVersionCommand(),
		NewCompletionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// init loads the env file, settings and mail environment, and builds the logger.
func (rt *runtimeState) init() error {
	if rt.envFile != "" {
		// Existing process variables win over the file.
		if err := godotenv.Load(rt.envFile); err != nil {
			return fmt.Errorf("loading env file %s: %w", rt.envFile, err)
		}
	}

	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return err
	}
	rt.cfg = cfg
	rt.mailEnv = config.LoadMailEnv()

	if rt.logger == nil {
		logger, err := system.NewLogger(rt.debug)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		rt.logger = logger
	}
	rt.print()
	return nil
}

func (rt *runtimeState) print() {
	rt.logger.Sugar().Debugw("CLI Configuration",
		"config_path", rt.configPath,
		"env_file", rt.envFile,
		"listen_address", rt.cfg.Server.ListenAddress,
		"queue_size", rt.cfg.Notifications.QueueSize,
		"max_retries", rt.cfg.Notifications.MaxRetries,
		"send_timeout", rt.cfg.Notifications.SendTimeoutDuration(),
		"kafka_audit", len(rt.cfg.Audit.Kafka.Brokers) > 0,
		"smtp_host", rt.mailEnv.SMTPHost,
		"runtime_env", rt.mailEnv.RuntimeEnv,
	)
}

// auditSink always logs events and also publishes them to Kafka when brokers
// are configured. Kafka writes happen off the dispatch path.
func (rt *runtimeState) auditSink() (audit.Sink, error) {
	sinks := []audit.Sink{audit.NewLogSink(rt.logger)}
	if k := rt.cfg.Audit.Kafka; len(k.Brokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(audit.KafkaSinkConfig{
			Name:    "kafka",
			Brokers: k.Brokers,
			Topic:   k.Topic,
		}, rt.logger)
		if err != nil {
			return nil, fmt.Errorf("creating Kafka audit sink: %w", err)
		}
		sinks = append(sinks, audit.NewBufferedSink(kafkaSink, audit.BufferedSinkConfig{}, rt.logger))
	}
	return audit.NewMultiSink(sinks...), nil
}

func (rt *runtimeState) dispatcher(sink audit.Sink) *mail.Dispatcher {
	opts := []mail.Option{
		mail.WithSendTimeout(rt.cfg.Notifications.SendTimeoutDuration()),
		mail.WithTransportFactory(rt.transportFactory),
	}
	if sink != nil {
		opts = append(opts, mail.WithAuditSink(sink))
	}
	return mail.NewDispatcher(rt.mailEnv, rt.logger.Sugar(), opts...)
}

// getEnvString returns the value of an environment variable, or the provided default if not set.
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}
