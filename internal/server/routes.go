package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/berfenger/openevse-emulator/internal/core/domain"
	"github.com/berfenger/openevse-emulator/internal/core/evse"
	"github.com/berfenger/openevse-emulator/internal/core/service"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var errUnavailable = errors.New("emulator unavailable")

type successResponse struct {
	Success bool `json:"success"`
}

type statusResponse struct {
	domain.EmulatorStatus
	Transport string `json:"transport,omitempty"`
}

type versionResponse struct {
	Firmware string `json:"firmware"`
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
	Revision string `json:"revision"`
}

type ampsBody struct {
	Amps *float64 `json:"amps"`
}

type levelBody struct {
	Level string `json:"level"`
}

type socBody struct {
	SoC *float64 `json:"soc"`
}

type errorBody struct {
	Error string `json:"error"`
}

type enableBody struct {
	Enable *bool    `json:"enable"`
	Amps   *float64 `json:"amps"`
}

type rapiBody struct {
	Command string `json:"command"`
}

type rapiResponse struct {
	Command  string `json:"command"`
	Response string `json:"response"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/ws", s.WebsocketHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := e.Group("/api")
	api.GET("/status", s.StatusHandler)
	api.GET("/version", s.VersionHandler)
	api.POST("/rapi", s.RAPIHandler)
	api.POST("/simulation/start", s.simulationHandler(true))
	api.POST("/simulation/stop", s.simulationHandler(false))

	api.GET("/evse/status", s.EVSEStatusHandler)
	api.GET("/evse/version", s.VersionHandler)
	api.POST("/evse/enable", s.commandHandler(domain.EVSEEnableRequest{Enable: true}))
	api.POST("/evse/disable", s.commandHandler(domain.EVSEEnableRequest{Enable: false}))
	api.POST("/evse/reset", s.commandHandler(domain.EVSEResetRequest{}))
	api.POST("/evse/current", s.SetCurrentHandler)
	api.POST("/evse/service_level", s.SetServiceLevelHandler)

	api.GET("/ev/status", s.EVStatusHandler)
	api.POST("/ev/connect", s.commandHandler(domain.EVConnectRequest{Connect: true}))
	api.POST("/ev/disconnect", s.commandHandler(domain.EVConnectRequest{Connect: false}))
	api.POST("/ev/request_charge", s.commandHandler(domain.EVRequestChargeRequest{Enable: true}))
	api.POST("/ev/stop_charge", s.commandHandler(domain.EVRequestChargeRequest{Enable: false}))
	api.POST("/ev/soc", s.SetSoCHandler)
	api.POST("/ev/max_rate", s.SetMaxRateHandler)
	api.POST("/ev/direct_mode", s.SetDirectModeHandler)
	api.POST("/ev/variance", s.SetVarianceHandler)

	api.GET("/errors/status", s.ErrorStatusHandler)
	api.POST("/errors/trigger", s.TriggerErrorHandler)
	api.POST("/errors/clear", s.commandHandler(domain.EVSETriggerErrorRequest{}))

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, requestTimeout).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) StatusHandler(c echo.Context) error {
	status, err := s.status()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, statusResponse{EmulatorStatus: status, Transport: s.transportInfo})
}

func (s *Server) EVSEStatusHandler(c echo.Context) error {
	status, err := s.status()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, status.EVSE)
}

func (s *Server) EVStatusHandler(c echo.Context) error {
	status, err := s.status()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, status.EV)
}

func (s *Server) ErrorStatusHandler(c echo.Context) error {
	status, err := s.status()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, echo.Map{
		"error_flags":  status.EVSE.ErrorFlags,
		"errors":       status.EVSE.Errors,
		"error_counts": status.EVSE.Counters,
	})
}

func (s *Server) VersionHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{
		Firmware: s.firmware,
		Protocol: s.protocol,
		Version:  versioninfo.Short(),
		Revision: versioninfo.Revision,
	})
}

func (s *Server) SetCurrentHandler(c echo.Context) error {
	var body ampsBody
	if err := c.Bind(&body); err != nil || body.Amps == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing amps parameter")
	}
	amps := int(*body.Amps)
	if float64(amps) != *body.Amps || amps < evse.MinCapacityAmps || amps > evse.MaxHWCapacityAmps {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("current must be between %d and %d amps", evse.MinCapacityAmps, evse.MaxHWCapacityAmps))
	}
	return s.execute(c, domain.EVSESetCurrentRequest{Amps: amps})
}

func (s *Server) SetServiceLevelHandler(c echo.Context) error {
	var body levelBody
	if err := c.Bind(&body); err != nil || body.Level == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing level parameter")
	}
	level := evse.ServiceLevel(body.Level)
	if !level.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "level must be L1, L2 or Auto")
	}
	return s.execute(c, domain.EVSESetServiceLevelRequest{Level: level})
}

func (s *Server) SetSoCHandler(c echo.Context) error {
	var body socBody
	if err := c.Bind(&body); err != nil || body.SoC == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing soc parameter")
	}
	if *body.SoC < 0 || *body.SoC > 100 {
		return echo.NewHTTPError(http.StatusBadRequest, "soc must be between 0 and 100")
	}
	return s.execute(c, domain.EVSetSoCRequest{SoC: *body.SoC})
}

func (s *Server) SetMaxRateHandler(c echo.Context) error {
	var body ampsBody
	if err := c.Bind(&body); err != nil || body.Amps == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing amps parameter")
	}
	if *body.Amps <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "max rate must be positive")
	}
	return s.execute(c, domain.EVSetMaxRateRequest{Amps: *body.Amps})
}

func (s *Server) SetDirectModeHandler(c echo.Context) error {
	var body enableBody
	if err := c.Bind(&body); err != nil || body.Enable == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing enable parameter")
	}
	req := domain.EVSetDirectModeRequest{Enable: *body.Enable}
	if req.Enable {
		if body.Amps == nil || *body.Amps < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "direct mode needs a non negative amps parameter")
		}
		req.Amps = *body.Amps
	}
	return s.execute(c, req)
}

func (s *Server) SetVarianceHandler(c echo.Context) error {
	var body enableBody
	if err := c.Bind(&body); err != nil || body.Enable == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing enable parameter")
	}
	return s.execute(c, domain.EVSetVarianceRequest{Enable: *body.Enable})
}

func (s *Server) TriggerErrorHandler(c echo.Context) error {
	var body errorBody
	if err := c.Bind(&body); err != nil || body.Error == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing error parameter")
	}
	flag, err := evse.ParseErrorFlag(body.Error)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.execute(c, domain.EVSETriggerErrorRequest{Flag: flag})
}

func (s *Server) RAPIHandler(c echo.Context) error {
	var body rapiBody
	if err := c.Bind(&body); err != nil || strings.TrimSpace(body.Command) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing command parameter")
	}
	res, err := s.request(domain.RAPICommandRequest{Line: strings.TrimSpace(body.Command)})
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	resp, ok := res.(domain.RAPICommandResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("unexpected response %T", res))
	}
	if resp.HasResponseError() {
		return echo.NewHTTPError(http.StatusBadRequest, resp.GetResponseError().Error())
	}
	return c.JSON(http.StatusOK, rapiResponse{
		Command:  body.Command,
		Response: strings.TrimRight(resp.Reply, "\r"),
	})
}

func (s *Server) simulationHandler(run bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := s.request(domain.SimulationControlRequest{Run: run})
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		if resp, ok := res.(domain.SimulationControlResponse); ok {
			return c.JSON(http.StatusOK, echo.Map{"running": resp.Running})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("unexpected response %T", res))
	}
}

// commandHandler serves a fixed request that needs no body.
func (s *Server) commandHandler(req domain.EmulatorRequest) echo.HandlerFunc {
	return func(c echo.Context) error {
		return s.execute(c, req)
	}
}

func (s *Server) execute(c echo.Context, req domain.EmulatorRequest) error {
	res, err := s.request(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if resp, ok := res.(domain.ActorResponse); ok && resp.HasResponseError() {
		err := resp.GetResponseError()
		s.logger.Debug("emulator request refused", zap.String("request", fmt.Sprintf("%T", req)), zap.Error(err))
		if errors.Is(err, service.ErrEnableRefused) || errors.Is(err, service.ErrNotConnected) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, successResponse{Success: true})
}

func (s *Server) request(msg any) (any, error) {
	res, err := s.rootContext.RequestFuture(s.masterActor, msg, requestTimeout).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnavailable, err)
	}
	return res, nil
}

func (s *Server) status() (domain.EmulatorStatus, error) {
	res, err := s.request(domain.GetStatusRequest{})
	if err != nil {
		return domain.EmulatorStatus{}, err
	}
	resp, ok := res.(domain.GetStatusResponse)
	if !ok {
		return domain.EmulatorStatus{}, fmt.Errorf("unexpected status response %T", res)
	}
	return resp.Status, nil
}
