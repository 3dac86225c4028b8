package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/berfenger/soc2mqtt/internal/core/domain"
	"github.com/berfenger/soc2mqtt/internal/profile"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type profileView struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	UnitId      uint8       `json:"unit_id"`
	Points      []pointView `json:"points"`
}

type pointView struct {
	Label       string  `json:"label"`
	Register    string  `json:"register"`
	Count       uint16  `json:"count"`
	DataType    string  `json:"data_type"`
	WordOrder   string  `json:"word_order"`
	Scale       float64 `json:"scale"`
	Unit        string  `json:"unit,omitempty"`
	DeviceClass string  `json:"device_class,omitempty"`
	Format      string  `json:"format"`
}

type errorView struct {
	Error string `json:"error"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/readings", s.ReadingsHandler)
	e.GET("/readings/:device", s.DeviceReadingHandler)
	e.POST("/readings/:device/poll", s.PollHandler)
	e.GET("/profiles", s.ProfilesHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) ReadingsHandler(c echo.Context) error {
	resp, err := s.getReadings("")
	if err != nil {
		return errorResponse(c, err)
	}
	readings := resp.Readings
	if readings == nil {
		readings = []domain.DeviceReading{}
	}
	return c.JSON(http.StatusOK, readings)
}

func (s *Server) DeviceReadingHandler(c echo.Context) error {
	resp, err := s.getReadings(c.Param("device"))
	if err != nil {
		return errorResponse(c, err)
	}
	if len(resp.Readings) == 0 {
		return c.JSON(http.StatusNotFound, errorView{Error: "no reading yet"})
	}
	return c.JSON(http.StatusOK, resp.Readings[0])
}

// PollHandler polls a device right away and waits for the reading.
func (s *Server) PollHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.PollNowRequest{Device: c.Param("device")}, s.pollDeadline).Result()
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, errorView{Error: err.Error()})
	}
	resp, ok := res.(domain.PollNowResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorView{Error: "unexpected response"})
	}
	if resp.HasResponseError() && errors.Is(resp.GetResponseError(), domain.ErrUnknownDevice) {
		return errorResponse(c, resp.GetResponseError())
	}
	// an offline device still produces a reading that explains the failure
	status := http.StatusOK
	if !resp.Reading.Online() {
		status = http.StatusBadGateway
	}
	return c.JSON(status, resp.Reading)
}

func (s *Server) ProfilesHandler(c echo.Context) error {
	var views []profileView
	for _, p := range s.profiles.Profiles() {
		views = append(views, newProfileView(p))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) getReadings(device string) (*domain.GetReadingsResponse, error) {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetReadingsRequest{Device: device}, 5*time.Second).Result()
	if err != nil {
		return nil, err
	}
	resp, ok := res.(domain.GetReadingsResponse)
	if !ok {
		return nil, errors.New("unexpected response")
	}
	if resp.HasResponseError() {
		return nil, resp.GetResponseError()
	}
	return &resp, nil
}

func errorResponse(c echo.Context, err error) error {
	if errors.Is(err, domain.ErrUnknownDevice) {
		return c.JSON(http.StatusNotFound, errorView{Error: err.Error()})
	}
	return c.JSON(http.StatusServiceUnavailable, errorView{Error: err.Error()})
}

func newProfileView(p profile.DeviceProfile) profileView {
	view := profileView{
		Name:        p.Name,
		Description: p.Description,
		UnitId:      p.UnitId(),
	}
	for _, pt := range p.Points {
		view.Points = append(view.Points, pointView{
			Label:       pt.Label,
			Register:    pt.Spec.Register.String(),
			Count:       pt.Spec.Count,
			DataType:    pt.Spec.DataType.String(),
			WordOrder:   pt.Spec.WordOrder.String(),
			Scale:       pt.Spec.Scale,
			Unit:        pt.Unit,
			DeviceClass: pt.DeviceClass,
			Format:      pt.Format.String(),
		})
	}
	return view
}
