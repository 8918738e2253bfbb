package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shape-z/windowmesh/bus"
	"github.com/shape-z/windowmesh/geometry"
	"github.com/shape-z/windowmesh/layout"
	"github.com/shape-z/windowmesh/mesh"
	"github.com/shape-z/windowmesh/state"
	"github.com/shape-z/windowmesh/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "windowmesh",
		Short: "decentralized window mesh: a shared virtual canvas without a server",
	}
	config := viper.New()
	root.AddCommand(busCommand(config), joinCommand(config))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func bootstrapLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if os.Getenv("ENABLE_PRETTY_LOG") == "true" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func busCommand(config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "run the local broadcast bus the peers attach to",
		Run: func(cmd *cobra.Command, _ []string) {
			logger := bootstrapLogger()
			defer logger.Sync()
			port := config.GetInt("port")

			b := bus.New(logger)
			router := http.NewServeMux()
			router.Handle("/", b.Handler())
			router.Handle("/metrics", promhttp.Handler())
			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", port),
				Handler: router,
			}
			go func() {
				logger.Info("bus listening", zap.Int("bind_port", port))
				if err := server.ListenAndServe(); err != http.ErrServerClosed {
					logger.Fatal("bus server failed", zap.Error(err))
				}
			}()
			if config.GetBool("advertise") {
				if err := b.Advertise("windowmesh", port); err != nil {
					logger.Warn("failed to advertise bus over mdns", zap.Error(err))
				}
			}

			waitForSignal(logger)
			b.Shutdown()
			server.Close()
		},
	}
	cmd.Flags().IntP("port", "p", 7870, "Listen for peer attachments on this port")
	config.BindPFlag("port", cmd.Flags().Lookup("port"))
	config.BindEnv("port", "WINDOWMESH_BUS_PORT")
	cmd.Flags().BoolP("advertise", "", true, "Advertise the bus over mDNS")
	config.BindPFlag("advertise", cmd.Flags().Lookup("advertise"))
	config.BindEnv("advertise", "WINDOWMESH_BUS_ADVERTISE")
	return cmd
}

func joinCommand(config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "join the mesh as one peer",
		Run: func(cmd *cobra.Command, _ []string) {
			logger := bootstrapLogger()
			defer logger.Sync()

			rect, err := parseRect(config.GetString("rect"))
			if err != nil {
				logger.Fatal("invalid rect", zap.Error(err))
			}
			cfg := mesh.Config{Rect: rect}

			if descriptor := config.GetString("layout"); descriptor != "" {
				pinned, err := layout.DecodeDescriptor(descriptor)
				if err != nil {
					logger.Fatal("invalid layout descriptor", zap.Error(err))
				}
				cfg.StaticLayout = &pinned
				cfg.SessionSeed = descriptor
			}
			if id := config.GetString("screen-id"); id != "" {
				cfg.ScreenID = id
			}
			if position := config.GetString("screen-position"); position != "" {
				p, err := layout.ParsePosition(position)
				if err != nil {
					logger.Fatal("invalid screen position", zap.Error(err))
				}
				cfg.ScreenPosition = &p
			}
			if display := config.GetString("display-rect"); display != "" {
				r, err := parseRect(display)
				if err != nil {
					logger.Fatal("invalid display rect", zap.Error(err))
				}
				cfg.DisplayRect = &r
			}

			busURL := config.GetString("bus")
			if busURL == "" {
				discovered, err := bus.Discover(context.Background(), 3*time.Second)
				if err != nil {
					logger.Fatal("no bus configured and none discovered", zap.Error(err))
				}
				logger.Info("discovered bus", zap.String("bus_url", discovered))
				busURL = discovered
			}

			engine, err := mesh.New(cfg, func(channel string) (transport.Transport, error) {
				return transport.DialBus(busURL, channel, logger)
			}, logger)
			if err != nil {
				logger.Fatal("failed to start engine", zap.Error(err))
			}

			var last state.EngineState
			engine.Store().Subscribe(func(st state.EngineState) {
				if st.IsLeader != last.IsLeader || st.LeaderID != last.LeaderID {
					logger.Info("leadership changed",
						zap.Bool("is_leader", st.IsLeader),
						zap.String("leader_id", st.LeaderID))
				}
				if layoutChanged(last.Layout, st.Layout) {
					logger.Info("layout changed",
						zap.Int("screen_count", len(st.Layout.Screens)),
						zap.Float64("frame_w", st.Layout.Frame.W),
						zap.Float64("frame_h", st.Layout.Frame.H),
						zap.String("assigned_screen_id", st.AssignedScreenID))
				}
				last = st
			})
			engine.Start()

			if port := config.GetInt("metrics-port"); port != 0 {
				go func() {
					router := http.NewServeMux()
					router.Handle("/metrics", promhttp.Handler())
					http.ListenAndServe(fmt.Sprintf(":%d", port), router)
				}()
			}

			waitForSignal(logger)
			engine.Dispose()
		},
	}
	cmd.Flags().StringP("rect", "r", "0,0,1920,1080", "Physical window rect as x,y,w,h")
	config.BindPFlag("rect", cmd.Flags().Lookup("rect"))
	config.BindEnv("rect", "WINDOWMESH_RECT")
	cmd.Flags().StringP("layout", "l", "", "Pinned layout descriptor (vfl1.…); also seeds the session channel")
	config.BindPFlag("layout", cmd.Flags().Lookup("layout"))
	config.BindEnv("layout", "WINDOWMESH_LAYOUT")
	cmd.Flags().StringP("bus", "b", "", "Bus URL (ws://host:port); discovered over mDNS when empty")
	config.BindPFlag("bus", cmd.Flags().Lookup("bus"))
	config.BindEnv("bus", "WINDOWMESH_BUS_URL")
	cmd.Flags().StringP("screen-id", "", "", "Force assignment to this screen id")
	config.BindPFlag("screen-id", cmd.Flags().Lookup("screen-id"))
	config.BindEnv("screen-id", "WINDOWMESH_SCREEN_ID")
	cmd.Flags().StringP("screen-position", "", "", "Force the relative position on the assigned screen (pos1.…, JSON or x,y)")
	config.BindPFlag("screen-position", cmd.Flags().Lookup("screen-position"))
	config.BindEnv("screen-position", "WINDOWMESH_SCREEN_POSITION")
	cmd.Flags().StringP("display-rect", "", "", "Physical display rect as x,y,w,h, used for screen matching")
	config.BindPFlag("display-rect", cmd.Flags().Lookup("display-rect"))
	config.BindEnv("display-rect", "WINDOWMESH_DISPLAY_RECT")
	cmd.Flags().IntP("metrics-port", "", 0, "Expose prometheus metrics on this port")
	config.BindPFlag("metrics-port", cmd.Flags().Lookup("metrics-port"))
	config.BindEnv("metrics-port", "WINDOWMESH_METRICS_PORT")
	return cmd
}

func layoutChanged(previous, current *layout.Layout) bool {
	if current == nil {
		return false
	}
	if previous == nil {
		return true
	}
	return !previous.Equal(*current)
}

func parseRect(value string) (geometry.Rect, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return geometry.Rect{}, fmt.Errorf("expected x,y,w,h, got %q", value)
	}
	fields := make([]float64, 4)
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geometry.Rect{}, err
		}
		fields[i] = f
	}
	return geometry.Rect{X: fields[0], Y: fields[1], W: fields[2], H: fields[3]}, nil
}

func waitForSignal(logger *zap.Logger) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigc
	logger.Info("received termination signal")
}
