package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"
	"golang.org/x/sync/errgroup"

	"github.com/uberVU/mongo-oplogreplay/config"
	"github.com/uberVU/mongo-oplogreplay/errors"
	"github.com/uberVU/mongo-oplogreplay/log"
	"github.com/uberVU/mongo-oplogreplay/metrics"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/checkpoint"
	"github.com/uberVU/mongo-oplogreplay/oplogreplay/replay"
	"github.com/uberVU/mongo-oplogreplay/topo"
	"github.com/uberVU/mongo-oplogreplay/util"
	"github.com/uberVU/mongo-oplogreplay/validate"
)

// Constants for server configuration.
const (
	ServerReadTimeout       = 30 * time.Second
	ServerReadHeaderTimeout = 3 * time.Second
	MaxRequestSize          = humanize.MiByte
	ServerResponseTimeout   = 5 * time.Second
)

// contextKey is a type for context keys used in this package.
type contextKey string

// configContextKey is the context key for storing *config.Config.
const configContextKey contextKey = "config"

var (
	Version   = "v0.3.0" //nolint:gochecknoglobals
	Platform  = ""       //nolint:gochecknoglobals
	GitCommit = ""       //nolint:gochecknoglobals
	GitBranch = ""       //nolint:gochecknoglobals
	BuildTime = ""       //nolint:gochecknoglobals
)

func buildVersion() string {
	return Version + " " + GitCommit + " " + BuildTime
}

//nolint:gochecknoglobals
var rootCmd = &cobra.Command{
	Use:   "oplogreplay",
	Short: "Tail a MongoDB oplog and replay it onto another cluster",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd)
		if err != nil {
			return errors.Wrap(err, "load config")
		}

		logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			logLevel = zerolog.InfoLevel
		}

		lg := log.InitGlobals(logLevel, cfg.Log.JSON, cfg.Log.NoColor)
		ctx := lg.WithContext(context.Background())
		ctx = context.WithValue(ctx, configContextKey, cfg)
		cmd.SetContext(ctx)

		return nil
	},

	RunE: func(cmd *cobra.Command, _ []string) error {
		// Check if this is the root command being executed without a subcommand
		if cmd.CalledAs() != "oplogreplay" || cmd.ArgsLenAtDash() != -1 {
			return nil
		}

		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert

		if cfg.Source == "" {
			return errors.New("required flag --source not set")
		}

		if cfg.Target == "" {
			return errors.New("required flag --target not set")
		}

		log.Ctx(cmd.Context()).Info("mongo-oplogreplay " + buildVersion())

		return runServer(cmd.Context(), cfg)
	},
}

//nolint:gochecknoglobals
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		info := fmt.Sprintf("Version:   %s\nPlatform:  %s\nGitCommit: "+
			"%s\nGitBranch: %s\nBuildTime: %s\nGoVersion: %s",
			Version,
			Platform,
			GitCommit,
			GitBranch,
			BuildTime,
			runtime.Version(),
		)

		cmd.Println(info)
	},
}

//nolint:gochecknoglobals
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get the status of the oplog replay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return NewClient(viper.GetInt("port")).Status(cmd.Context())
	},
}

//nolint:gochecknoglobals
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the oplog replay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		startAt, _ := cmd.Flags().GetString("start-at")
		includeNamespaces, _ := cmd.Flags().GetStringSlice("include-namespaces")
		excludeNamespaces, _ := cmd.Flags().GetStringSlice("exclude-namespaces")

		startOptions := startRequest{
			StartAt:           startAt,
			IncludeNamespaces: includeNamespaces,
			ExcludeNamespaces: excludeNamespaces,
		}

		// Policy flags only travel in the request when explicitly provided, so
		// the daemon's own configuration stays the default.
		if cmd.Flags().Changed("replay-indexes") {
			v, _ := cmd.Flags().GetBool("replay-indexes")
			startOptions.ReplayIndexes = &v
		}
		if cmd.Flags().Changed("on-error") {
			v, _ := cmd.Flags().GetString("on-error")
			startOptions.OnError = &v
		}

		return NewClient(viper.GetInt("port")).Start(cmd.Context(), startOptions)
	},
}

//nolint:gochecknoglobals
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the oplog replay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return NewClient(viper.GetInt("port")).Pause(cmd.Context())
	},
}

//nolint:gochecknoglobals
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the oplog replay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fromFailure, _ := cmd.Flags().GetBool("from-failure")

		resumeOptions := resumeRequest{
			FromFailure: fromFailure,
		}

		return NewClient(viper.GetInt("port")).Resume(cmd.Context(), resumeOptions)
	},
}

//nolint:gochecknoglobals
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the oplog replay, keeping the checkpoint for a later run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return NewClient(viper.GetInt("port")).Stop(cmd.Context())
	},
}

//nolint:gochecknoglobals
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset replay state on the target (checkpoint, recovery and heartbeat data)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert

		targetURI := viper.GetString("target")
		if targetURI == "" {
			return errors.New("required flag --target not set")
		}

		err := resetState(cmd.Context(), targetURI, cfg)
		if err != nil {
			return err
		}

		log.New("cli").Info("OK: reset all")

		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output log in JSON format")
	rootCmd.PersistentFlags().Bool("log-no-color", false, "Disable log color")

	rootCmd.PersistentFlags().Bool("no-color", false, "")
	rootCmd.PersistentFlags().MarkDeprecated("no-color", "use --log-no-color instead") //nolint:errcheck

	rootCmd.PersistentFlags().Int("port", config.DefaultServerPort, "Port number")
	rootCmd.Flags().String("source", "", "MongoDB connection string for the source replica set")
	rootCmd.Flags().String("target", "", "MongoDB connection string for the target")
	rootCmd.Flags().String("name", "",
		"Name of this pairing, used to key the checkpoint (default: source replica set name)")
	rootCmd.Flags().String("start", "",
		"Replay strictly after this position ('<seconds>' or '<seconds>,<ordinal>')")

	rootCmd.Flags().StringSlice("namespaces", nil,
		"Namespaces to replay (e.g. db1.collection1,db2.*); empty means everything")
	rootCmd.Flags().StringSlice("exclude-namespaces", nil,
		"Namespaces to exclude from the replay (e.g. db3.collection3,db4.*)")
	rootCmd.Flags().Bool("replay-indexes", false, "Replay index builds and drops")
	rootCmd.Flags().Bool("strict-decode", false, "Halt on malformed oplog records")
	rootCmd.Flags().String("on-error", config.OnErrorSkip,
		"What a permanent apply error does: skip or halt")

	rootCmd.Flags().String("checkpoint", config.CheckpointTarget,
		"Checkpoint store: target, file or memory")
	rootCmd.Flags().String("checkpoint-path", "", "Checkpoint file location for the file store")

	rootCmd.Flags().Bool("run", false, "")
	rootCmd.Flags().MarkHidden("run") //nolint:errcheck

	startCmd.Flags().String("start-at", "",
		"Replay strictly after this position ('<seconds>' or '<seconds>,<ordinal>')")
	startCmd.Flags().StringSlice("include-namespaces", nil,
		"Namespaces to include in the replay (e.g. db1.collection1,db2.collection2)")
	startCmd.Flags().StringSlice("exclude-namespaces", nil,
		"Namespaces to exclude from the replay (e.g. db3.collection3,db4.*)")
	startCmd.Flags().Bool("replay-indexes", false, "Replay index builds and drops")
	startCmd.Flags().String("on-error", "", "What a permanent apply error does: skip or halt")

	resumeCmd.Flags().Bool("from-failure", false, "Resume from a failed state")

	resetCmd.Flags().String("target", "", "MongoDB connection string for the target")
	resetCmd.Flags().String("name", "", "Name of the pairing to reset")

	rootCmd.AddCommand(
		versionCmd,
		statusCmd,
		startCmd,
		pauseCmd,
		resumeCmd,
		stopCmd,
		resetCmd,
	)

	err := rootCmd.Execute()
	if err != nil {
		zerolog.Ctx(context.Background()).Fatal().Err(err).Msg("")
	}
}

func resetState(ctx context.Context, targetURI string, cfg *config.Config) error {
	target, err := topo.Connect(ctx, targetURI)
	if err != nil {
		return errors.Wrap(err, "connect")
	}

	defer func() {
		err := util.CtxWithTimeout(ctx, config.DisconnectTimeout, target.Disconnect)
		if err != nil {
			log.Ctx(ctx).Warn("Disconnect: " + err.Error())
		}
	}()

	// The pairing name normally comes from the source replica set, which
	// reset does not connect to.
	name := cfg.Name
	if name == "" {
		return errors.New("required flag --name not set")
	}

	err = checkpoint.NewTarget(target, name).Delete(ctx)
	if err != nil {
		return errors.Wrap(err, "delete checkpoint")
	}

	err = DeleteRecoveryData(ctx, target, name)
	if err != nil {
		return errors.Wrap(err, "delete recovery data")
	}

	err = DeleteHeartbeat(ctx, target, name)
	if err != nil {
		return errors.Wrap(err, "delete heartbeat")
	}

	return nil
}

// pairingName resolves the checkpoint key: the explicit --name, or the
// source replica set name.
func pairingName(ctx context.Context, cfg *config.Config, source *mongo.Client) (string, error) {
	if cfg.Name != "" {
		return cfg.Name, nil
	}

	name, err := topo.ReplSetName(ctx, source)
	if err != nil {
		return "", errors.Wrap(err, "resolve replica set name")
	}

	if name == "" {
		return "", errors.New("source has no replica set name. use --name")
	}

	return name, nil
}

// runServer starts the HTTP server with the provided configuration.
func runServer(ctx context.Context, cfg *config.Config) error {
	err := config.Validate(cfg)
	if err != nil {
		return errors.Wrap(err, "validate options")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := createServer(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "new server")
	}

	if cfg.Run && srv.replay.Status(ctx).State == oplogreplay.StateIdle {
		options, err := resolveStartOptions(cfg, startRequest{})
		if err != nil {
			return errors.Wrap(err, "start options")
		}

		err = srv.replay.Start(ctx, options)
		if err != nil {
			log.New("cli").Error(err, "Failed to start Oplog Replay")
		}
	}

	port := cfg.Port
	if port == 0 {
		port = config.DefaultServerPort
	}

	addr := fmt.Sprintf("localhost:%d", port)
	httpServer := http.Server{
		Addr:    addr,
		Handler: srv.Handler(),

		ReadTimeout:       ServerReadTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
	}

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.Ctx(ctx).Info("Starting HTTP server at http://" + addr)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err //nolint:wrapcheck
	})

	grp.Go(func() error {
		<-grpCtx.Done()

		err := util.CtxWithTimeout(context.Background(), config.DisconnectTimeout,
			httpServer.Shutdown)
		if err != nil {
			log.New("server").Error(err, "Shutdown HTTP server")
		}

		return srv.Close(context.Background())
	})

	return grp.Wait() //nolint:wrapcheck
}

// Server represents the replay control server.
type Server struct {
	// Cfg holds the configuration.
	Cfg *config.Config
	// sourceCluster is the MongoDB client for the source cluster.
	sourceCluster *mongo.Client
	// targetCluster is the MongoDB client for the target cluster.
	targetCluster *mongo.Client
	// replay is the oplog replay pairing managed by this process.
	replay *oplogreplay.OplogReplay
	// name keys the pairing's bookkeeping documents on the target.
	name string
	// stopHeartbeat stops the heartbeat process in the application.
	stopHeartbeat StopHeartbeat

	// promRegistry is the Prometheus registry for metrics.
	promRegistry *prometheus.Registry
}

// createServer creates a new server with the given options.
func createServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	lg := log.Ctx(ctx)

	source, err := topo.Connect(ctx, cfg.Source)
	if err != nil {
		return nil, errors.Wrap(err, "connect to source cluster")
	}

	defer func() {
		if err == nil {
			return
		}

		err1 := util.CtxWithTimeout(ctx, config.DisconnectTimeout, source.Disconnect)
		if err1 != nil {
			log.Ctx(ctx).Warn("Disconnect Source Cluster: " + err1.Error())
		}
	}()

	sourceVersion, err := topo.Version(ctx, source)
	if err != nil {
		return nil, errors.Wrap(err, "source version")
	}

	cs, _ := connstring.Parse(cfg.Source)
	lg.Infof("Connected to source cluster [%s]: %s://%s",
		sourceVersion.FullString(), cs.Scheme, strings.Join(cs.Hosts, ","))

	target, err := topo.Connect(ctx, cfg.Target)
	if err != nil {
		return nil, errors.Wrap(err, "connect to target cluster")
	}

	defer func() {
		if err == nil {
			return
		}

		err1 := util.CtxWithTimeout(ctx, config.DisconnectTimeout, target.Disconnect)
		if err1 != nil {
			log.Ctx(ctx).Warn("Disconnect Target Cluster: " + err1.Error())
		}
	}()

	targetVersion, err := topo.Version(ctx, target)
	if err != nil {
		return nil, errors.Wrap(err, "target version")
	}

	cs, _ = connstring.Parse(cfg.Target)
	lg.Infof("Connected to target cluster [%s]: %s://%s",
		targetVersion.FullString(), cs.Scheme, strings.Join(cs.Hosts, ","))

	name, err := pairingName(ctx, cfg, source)
	if err != nil {
		return nil, err
	}

	lg.Infof("Replaying as %q", name)

	stopHeartbeat, err := RunHeartbeat(ctx, target, name)
	if err != nil {
		return nil, errors.Wrap(err, "heartbeat")
	}

	promRegistry := prometheus.NewRegistry()
	metrics.Init(promRegistry)

	store, err := makeCheckpointStore(cfg, target, name)
	if err != nil {
		return nil, err
	}

	rpl := oplogreplay.New(source, target, store)

	err = Restore(ctx, target, name, rpl)
	if err != nil {
		return nil, errors.Wrap(err, "recover replay state")
	}

	rpl.SetOnStateChanged(func(newState oplogreplay.State) {
		err := DoCheckpoint(ctx, target, name, rpl)
		if err != nil {
			log.New("http:checkpointing").Error(err, "checkpoint")
		} else {
			log.New("http:checkpointing").Debugf("Checkpoint saved on %q", newState)
		}
	})

	go RunCheckpointing(ctx, target, name, rpl)

	s := &Server{
		Cfg:           cfg,
		sourceCluster: source,
		targetCluster: target,
		replay:        rpl,
		name:          name,
		stopHeartbeat: stopHeartbeat,
		promRegistry:  promRegistry,
	}

	return s, nil
}

// makeCheckpointStore builds the configured checkpoint backend.
func makeCheckpointStore(
	cfg *config.Config,
	target *mongo.Client,
	name string,
) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Store {
	case "", config.CheckpointTarget:
		return checkpoint.NewTarget(target, name), nil
	case config.CheckpointFile:
		return checkpoint.NewFile(cfg.Checkpoint.Path), nil
	case config.CheckpointMemory:
		return checkpoint.NewMemory(), nil
	}

	return nil, errors.Errorf("unknown checkpoint store %q", cfg.Checkpoint.Store)
}

// Close stops heartbeat and closes the server connections.
func (s *Server) Close(ctx context.Context) error {
	err0 := s.stopHeartbeat(ctx)
	err1 := s.sourceCluster.Disconnect(ctx)
	err2 := s.targetCluster.Disconnect(ctx)

	return errors.Join(err0, err1, err2)
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.HandleStatus)
	mux.HandleFunc("/start", s.HandleStart)
	mux.HandleFunc("/pause", s.HandlePause)
	mux.HandleFunc("/resume", s.HandleResume)
	mux.HandleFunc("/stop", s.HandleStop)
	mux.Handle("/metrics", s.HandleMetrics())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			log.New("http").Trace(r.Method + " " + r.URL.String())
		} else {
			log.New("http").Info(r.Method + " " + r.URL.String())
		}
		mux.ServeHTTP(w, r)
	})
}

// HandleStatus handles the /status endpoint.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ServerResponseTimeout)
	defer cancel()

	if r.Method != http.MethodGet {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	status := s.replay.Status(ctx)

	res := statusResponse{
		Ok:    status.Error == nil,
		State: status.State,
	}

	err := status.Error
	if err != nil {
		res.Err = err.Error()
	}

	if status.State == oplogreplay.StateIdle {
		writeResponse(w, res)

		return
	}

	res.EntriesRead = status.Replay.EntriesRead
	res.EntriesApplied = status.Replay.EntriesApplied
	res.EntriesSkipped = status.Replay.EntriesSkipped
	res.LagTimeSeconds = status.LagTimeSeconds
	res.Reconnects = status.Replay.Stream.Reconnects

	if !status.Replay.LastAppliedTS.IsZero() {
		ts := fmt.Sprintf("%d.%d",
			status.Replay.LastAppliedTS.T,
			status.Replay.LastAppliedTS.I)

		isoDate := time.Unix(int64(status.Replay.LastAppliedTS.T), 0).UTC()

		res.LastAppliedTS = &lastAppliedTS{
			TS:      ts,
			ISODate: isoDate.Format(time.RFC3339),
		}
	}

	switch status.State {
	case oplogreplay.StateRunning:
		res.Info = "Replaying Oplog"
	case oplogreplay.StatePaused:
		res.Info = "Paused"
	case oplogreplay.StateStopped:
		res.Info = "Stopped"
	case oplogreplay.StateFailed:
		res.Info = "Failed"
	}

	writeResponse(w, res)
}

// resolveStartOptions resolves the start options from the HTTP request and
// config. Policy options use config (flag/env) as defaults, CLI/HTTP params
// override.
func resolveStartOptions(cfg *config.Config, params startRequest) (*oplogreplay.StartOptions, error) {
	options := &oplogreplay.StartOptions{
		IncludeNamespaces: cfg.Replay.Namespaces,
		ExcludeNamespaces: cfg.Replay.ExcludeNamespaces,
		Replay: replay.Options{
			ReplayIndexes: cfg.Replay.ReplayIndexes,
			StrictDecode:  cfg.Replay.StrictDecode,
			OnError:       cfg.Replay.OnError,
		},
	}

	if len(params.IncludeNamespaces) > 0 {
		options.IncludeNamespaces = params.IncludeNamespaces
	}

	if len(params.ExcludeNamespaces) > 0 {
		options.ExcludeNamespaces = params.ExcludeNamespaces
	}

	if params.ReplayIndexes != nil {
		options.Replay.ReplayIndexes = *params.ReplayIndexes
	}

	if params.OnError != nil {
		options.Replay.OnError = *params.OnError
	}

	startStr := cfg.Start
	if params.StartAt != "" {
		startStr = params.StartAt
	}

	startAt, err := config.ParseStartPosition(startStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid start position")
	}

	options.StartAt = startAt

	return options, nil
}

// HandleStart handles the /start endpoint.
func (s *Server) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ServerResponseTimeout)
	defer cancel()

	if r.Method != http.MethodPost {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	var params startRequest

	if r.ContentLength != 0 {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w,
				http.StatusText(http.StatusInternalServerError),
				http.StatusInternalServerError)

			return
		}

		err = json.Unmarshal(data, &params)
		if err != nil {
			http.Error(w,
				http.StatusText(http.StatusBadRequest),
				http.StatusBadRequest)

			return
		}
	}

	err := validate.Struct(&params)
	if err != nil {
		writeResponse(w, startResponse{Err: err.Error()})

		return
	}

	options, err := resolveStartOptions(s.Cfg, params)
	if err != nil {
		writeResponse(w, startResponse{Err: err.Error()})

		return
	}

	err = s.replay.Start(ctx, options)
	if err != nil {
		writeResponse(w, startResponse{Err: err.Error()})

		return
	}

	writeResponse(w, startResponse{Ok: true})
}

// HandlePause handles the /pause endpoint.
func (s *Server) HandlePause(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ServerResponseTimeout)
	defer cancel()

	if r.Method != http.MethodPost {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	err := s.replay.Pause(ctx)
	if err != nil {
		writeResponse(w, pauseResponse{Err: err.Error()})

		return
	}

	writeResponse(w, pauseResponse{Ok: true})
}

// HandleResume handles the /resume endpoint.
func (s *Server) HandleResume(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ServerResponseTimeout)
	defer cancel()

	if r.Method != http.MethodPost {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	var params resumeRequest

	if r.ContentLength != 0 {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w,
				http.StatusText(http.StatusInternalServerError),
				http.StatusInternalServerError)

			return
		}

		err = json.Unmarshal(data, &params)
		if err != nil {
			http.Error(w,
				http.StatusText(http.StatusBadRequest),
				http.StatusBadRequest)

			return
		}
	}

	options := oplogreplay.ResumeOptions{
		ResumeFromFailure: params.FromFailure,
	}

	err := s.replay.Resume(ctx, options)
	if err != nil {
		writeResponse(w, resumeResponse{Err: err.Error()})

		return
	}

	writeResponse(w, resumeResponse{Ok: true})
}

// HandleStop handles the /stop endpoint.
func (s *Server) HandleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ServerResponseTimeout)
	defer cancel()

	if r.Method != http.MethodPost {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	err := s.replay.Stop(ctx)
	if err != nil {
		writeResponse(w, stopResponse{Err: err.Error()})

		return
	}

	writeResponse(w, stopResponse{Ok: true})
}

func (s *Server) HandleMetrics() http.Handler {
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})
}

// writeResponse writes the response as JSON to the ResponseWriter.
func writeResponse[T any](w http.ResponseWriter, resp T) {
	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		http.Error(w,
			http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError)
	}
}

// startRequest represents the request body for the /start endpoint.
type startRequest struct {
	// StartAt overrides the resume position ("<seconds>" or
	// "<seconds>,<ordinal>"). Replay begins strictly after it.
	StartAt string `json:"startAt,omitempty" validate:"omitempty,optime"`

	// IncludeNamespaces are the namespaces to include in the replay.
	IncludeNamespaces []string `json:"includeNamespaces,omitempty" validate:"omitempty,dive,namespace"`
	// ExcludeNamespaces are the namespaces to exclude from the replay.
	ExcludeNamespaces []string `json:"excludeNamespaces,omitempty" validate:"omitempty,dive,namespace"`

	// Policy options (pointer types to distinguish "not set" from zero value)
	// ReplayIndexes replays index builds and drops.
	ReplayIndexes *bool `json:"replayIndexes,omitempty"`
	// OnError decides what a permanent apply error does: "skip" or "halt".
	OnError *string `json:"onError,omitempty" validate:"omitempty,oneof=skip halt"`
}

// startResponse represents the response body for the /start endpoint.
type startResponse struct {
	// Ok indicates if the operation was successful.
	Ok bool `json:"ok"`
	// Err is the error message if the operation failed.
	Err string `json:"error,omitempty"`
}

// statusResponse represents the response body for the /status endpoint.
type statusResponse struct {
	// Ok indicates if the operation was successful.
	Ok bool `json:"ok"`
	// Err is the error message if the operation failed.
	Err string `json:"error,omitempty"`

	// State is the current state of the replay.
	State oplogreplay.State `json:"state"`
	// Info provides additional information about the current state.
	Info string `json:"info,omitempty"`

	// LagTimeSeconds is the current lag time in logical seconds.
	LagTimeSeconds int64 `json:"lagTimeSeconds"`
	// EntriesRead is the number of oplog entries read from the source.
	EntriesRead int64 `json:"entriesRead"`
	// EntriesApplied is the number of entries applied to the target.
	EntriesApplied int64 `json:"entriesApplied"`
	// EntriesSkipped is the number of entries skipped by filters or policy.
	EntriesSkipped int64 `json:"entriesSkipped"`
	// Reconnects is the number of oplog cursor reconnects.
	Reconnects int64 `json:"reconnects,omitempty"`
	// LastAppliedTS is the last applied operation time.
	LastAppliedTS *lastAppliedTS `json:"lastAppliedTS,omitempty"`
}

type lastAppliedTS struct {
	TS      string `json:"ts"`
	ISODate string `json:"isoDate"`
}

// pauseResponse represents the response body for the /pause endpoint.
type pauseResponse struct {
	// Ok indicates if the operation was successful.
	Ok bool `json:"ok"`
	// Err is the error message if the operation failed.
	Err string `json:"error,omitempty"`
}

// resumeRequest represents the request body for the /resume endpoint.
type resumeRequest struct {
	// FromFailure indicates whether to resume from a failed state.
	FromFailure bool `json:"fromFailure,omitempty"`
}

// resumeResponse represents the response body for the /resume endpoint.
type resumeResponse struct {
	// Ok indicates if the operation was successful.
	Ok bool `json:"ok"`
	// Err is the error message if the operation failed.
	Err string `json:"error,omitempty"`
}

// stopResponse represents the response body for the /stop endpoint.
type stopResponse struct {
	// Ok indicates if the operation was successful.
	Ok bool `json:"ok"`
	// Err is the error message if the operation failed.
	Err string `json:"error,omitempty"`
}

// ReplayClient is an HTTP client of a running oplogreplay daemon.
type ReplayClient struct {
	port int
}

func NewClient(port int) ReplayClient {
	return ReplayClient{port: port}
}

// Status sends a request to get the status of the oplog replay.
func (c ReplayClient) Status(ctx context.Context) error {
	return doClientRequest[statusResponse](ctx, c.port, http.MethodGet, "status", nil)
}

// Start sends a request to start the oplog replay.
func (c ReplayClient) Start(ctx context.Context, req startRequest) error {
	return doClientRequest[startResponse](ctx, c.port, http.MethodPost, "start", req)
}

// Pause sends a request to pause the oplog replay.
func (c ReplayClient) Pause(ctx context.Context) error {
	return doClientRequest[pauseResponse](ctx, c.port, http.MethodPost, "pause", nil)
}

// Resume sends a request to resume the oplog replay.
func (c ReplayClient) Resume(ctx context.Context, req resumeRequest) error {
	return doClientRequest[resumeResponse](ctx, c.port, http.MethodPost, "resume", req)
}

// Stop sends a request to stop the oplog replay.
func (c ReplayClient) Stop(ctx context.Context) error {
	return doClientRequest[stopResponse](ctx, c.port, http.MethodPost, "stop", nil)
}

func doClientRequest[T any](ctx context.Context, port int, method, path string, body any) error {
	url := fmt.Sprintf("http://localhost:%d/%s", port, path)

	bodyData := []byte("")
	if body != nil {
		var err error
		bodyData, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyData))
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	log.Ctx(ctx).Debugf("%s /%s %s", method, path, string(bodyData))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer res.Body.Close()

	var resp T

	err = json.NewDecoder(res.Body).Decode(&resp)
	if err != nil {
		return errors.Wrap(err, "decode response")
	}

	j := json.NewEncoder(os.Stdout)
	j.SetIndent("", "  ")
	err = j.Encode(resp)

	return errors.Wrap(err, "print response")
}
