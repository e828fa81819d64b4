package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/preview-operator/controller"
	"github.com/imjasonh/preview-operator/generic"
	"github.com/imjasonh/preview-operator/internal/cleanup"
	"github.com/imjasonh/preview-operator/metrics"
	"github.com/imjasonh/preview-operator/resource"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

const envPrefix = "PREVIEW_OPERATOR"

// Options is the resolved configuration of a run, from flags, environment
// and config file in that order of precedence.
type Options struct {
	Kubeconfig  string   `mapstructure:"kubeconfig"`
	Namespace   string   `mapstructure:"namespace"`
	Group       string   `mapstructure:"group"`
	Version     string   `mapstructure:"version"`
	Plural      string   `mapstructure:"plural"`
	Finalizer   string   `mapstructure:"finalizer"`
	Owned       []string `mapstructure:"owned"`
	Workers     int      `mapstructure:"workers"`
	CRD         string   `mapstructure:"crd"`
	MetricsAddr string   `mapstructure:"metrics-addr"`
	LogLevel    string   `mapstructure:"log-level"`
	LogFormat   string   `mapstructure:"log-format"`
}

type runFunc func(ctx context.Context, out io.Writer, opts Options) error

// NewRootCmd returns the preview-operator command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(run)
}

func newRootCmd(runFn runFunc) *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "preview-operator",
		Short: "Reconciles resources that own generated children",
		Long: `preview-operator watches one resource collection, keeps a finalizer on
every live resource and deletes the resources it owns once it is deleted.
Progress is reported in status.phase.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfig(v, cfgFile); err != nil {
				return err
			}
			var opts Options
			if err := v.Unmarshal(&opts); err != nil {
				return fmt.Errorf("decoding configuration: %w", err)
			}
			return runFn(cmd.Context(), cmd.ErrOrStderr(), opts)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./preview-operator.yaml if present)")
	flags.String("kubeconfig", "", "path to a kubeconfig; defaults to in-cluster config or $KUBECONFIG")
	flags.String("namespace", "", "only watch resources in this namespace")
	flags.String("group", "", "API group of the watched resource")
	flags.String("version", "v1", "API version of the watched resource")
	flags.String("plural", "", "plural name of the watched resource")
	flags.String("finalizer", "", "finalizer token (default <plural>.<group>/cleanup)")
	flags.StringSlice("owned", nil, "child resources to delete with their owner, as group/version/plural (v1/plural for the core group)")
	flags.Int("workers", 1, "number of event dispatch workers; more than 1 only keeps per-resource ordering")
	flags.String("crd", "", "CRD manifest to register; its group, storage version and plural select the watched resource")
	flags.String("metrics-addr", ":8080", "address to serve Prometheus metrics on; empty disables it")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")

	v.BindPFlags(flags)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return root
}

func readConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("preview-operator")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

func run(ctx context.Context, out io.Writer, opts Options) error {
	logger, err := newLogger(out, opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}
	klog.SetSlogLogger(logger)
	ctx = clog.WithLogger(ctx, clog.New(logger.Handler()))

	config, err := loadConfig(opts.Kubeconfig)
	if err != nil {
		return err
	}
	op, err := controller.New(config, &controller.Options{Workers: opts.Workers})
	if err != nil {
		return err
	}

	reg, err := registration(ctx, op, opts)
	if err != nil {
		return err
	}
	owned, err := ownedClients(config, opts.Owned)
	if err != nil {
		return err
	}
	finalizer := opts.Finalizer
	if finalizer == "" {
		finalizer = defaultFinalizer(reg)
	}

	if opts.MetricsAddr != "" {
		stop, err := serveMetrics(ctx, opts.MetricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	clog.InfoContext(ctx, "starting preview-operator", "resource", reg.ID(), "namespace", reg.Namespace, "finalizer", finalizer)
	return op.Run(ctx, controller.InitializerFunc(func(ctx context.Context, e controller.Engine) error {
		return e.WatchResource(ctx, reg, cleanup.New(e, finalizer, owned...))
	}))
}

func newLogger(out io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(out, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: want text or json", format)
	}
}

func loadConfig(kubeconfig string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	return config, nil
}

// crdRegistrar is the part of the Operator used to install a CRD.
type crdRegistrar interface {
	RegisterCustomResourceDefinition(ctx context.Context, file string) (resource.Registration, error)
}

func registration(ctx context.Context, op crdRegistrar, opts Options) (resource.Registration, error) {
	var reg resource.Registration
	if opts.CRD != "" {
		r, err := op.RegisterCustomResourceDefinition(ctx, opts.CRD)
		if err != nil {
			return reg, err
		}
		reg = r
	} else {
		if opts.Plural == "" || opts.Version == "" {
			return reg, errors.New("either --crd or --plural and --version are required")
		}
		reg = resource.Registration{Group: opts.Group, Version: opts.Version, Plural: opts.Plural}
	}
	reg.Namespace = opts.Namespace
	return reg, nil
}

func defaultFinalizer(reg resource.Registration) string {
	if reg.Group == "" {
		return reg.Plural + "/cleanup"
	}
	return reg.Plural + "." + reg.Group + "/cleanup"
}

func parseGVR(s string) (schema.GroupVersionResource, error) {
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return schema.GroupVersionResource{}, fmt.Errorf("invalid resource %q: empty segment", s)
		}
	}
	switch len(parts) {
	case 2:
		return schema.GroupVersionResource{Version: parts[0], Resource: parts[1]}, nil
	case 3:
		return schema.GroupVersionResource{Group: parts[0], Version: parts[1], Resource: parts[2]}, nil
	default:
		return schema.GroupVersionResource{}, fmt.Errorf("invalid resource %q: want group/version/plural or version/plural", s)
	}
}

func ownedClients(config *rest.Config, owned []string) ([]generic.Client[*unstructured.Unstructured], error) {
	clients := make([]generic.Client[*unstructured.Unstructured], 0, len(owned))
	for _, s := range owned {
		gvr, err := parseGVR(s)
		if err != nil {
			return nil, err
		}
		c, err := generic.NewClient[*unstructured.Unstructured](gvr, config)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// serveMetrics listens on addr and serves metrics until the returned stop
// function is called or ctx is done.
func serveMetrics(ctx context.Context, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics: %w", err)
	}
	srv := &http.Server{Handler: metricsHandler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			clog.ErrorContext(ctx, "metrics server failed", "error", err)
		}
	}()
	clog.InfoContext(ctx, "serving metrics", "addr", ln.Addr().String())
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}, nil
}
