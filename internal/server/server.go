package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/berfenger/openevse-emulator/internal/config"
	"github.com/berfenger/openevse-emulator/internal/metrics"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

type Server struct {
	host          string
	port          uint
	httpLog       bool
	firmware      string
	protocol      string
	transportInfo string
	rootContext   *actor.RootContext
	masterActor   *actor.PID
	eventStream   *eventstream.EventStream
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// Backend groups what the handlers talk to. Metrics may be nil, in which
// case /metrics is not served.
type Backend struct {
	RootContext   *actor.RootContext
	MasterActor   *actor.PID
	EventStream   *eventstream.EventStream
	Metrics       *metrics.Metrics
	TransportInfo string
}

func newServer(cfg config.Config, backend Backend, logger *zap.Logger) *Server {
	return &Server{
		host:          cfg.Web.Host,
		port:          cfg.Web.Port,
		httpLog:       cfg.Web.HttpLog,
		firmware:      cfg.EVSE.FirmwareVersion,
		protocol:      cfg.EVSE.ProtocolVersion,
		transportInfo: backend.TransportInfo,
		rootContext:   backend.RootContext,
		masterActor:   backend.MasterActor,
		eventStream:   backend.EventStream,
		metrics:       backend.Metrics,
		logger:        logger.With(zap.String("component", "web")),
	}
}

func NewServer(cfg config.Config, backend Backend, logger *zap.Logger) *http.Server {
	NewServer := newServer(cfg, backend, logger)

	// Declare Server config
	server := &http.Server{
		Addr:         net.JoinHostPort(NewServer.host, strconv.FormatUint(uint64(NewServer.port), 10)),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return server
}
