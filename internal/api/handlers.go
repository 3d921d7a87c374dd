package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/storage"
)

const defaultLogLimit = 100

// serviceView discover 接口中单个服务的展示结构
type serviceView struct {
	URL           string              `json:"url"`
	Description   string              `json:"description"`
	Version       string              `json:"version"`
	Status        model.ServiceStatus `json:"status"`
	Endpoints     []string            `json:"endpoints"`
	LastHeartbeat *string             `json:"last_heartbeat"`
	RegisteredAt  string              `json:"registered_at"`
}

func (s *Server) rootHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":             "Enterprise Service Bus (ESB) - PrestaLab SOA",
		"version":             s.opts.Version,
		"status":              string(model.StatusActive),
		"persistence":         s.opts.Persistence,
		"registered_services": len(s.registry.List()),
		"endpoints": map[string]string{
			"register":   "POST /register - Registrar un servicio",
			"unregister": "DELETE /unregister/{service_name} - Desregistrar servicio",
			"discover":   "GET /discover - Listar servicios disponibles",
			"route":      "POST /route - Enrutar mensaje a un servicio",
			"health":     "GET /health/{service_name} - Estado de un servicio",
			"heartbeat":  "POST /heartbeat/{service_name} - Enviar latido",
			"logs":       "GET /logs - Consultar logs de mensajes",
			"stats":      "GET /stats - Estadísticas del bus",
			"broadcast":  "POST /broadcast - Enviar mensaje a todos los servicios",
		},
	})
}

func (s *Server) registerHandler(c echo.Context) error {
	var info model.ServiceInfo
	if err := c.Bind(&info); err != nil {
		return c.JSON(http.StatusBadRequest, detail("Cuerpo de registro inválido: "+err.Error()))
	}
	info.Name = strings.TrimSpace(info.Name)
	info.Address = strings.TrimSpace(info.Address)
	if info.Name == "" || info.Address == "" {
		return c.JSON(http.StatusBadRequest, detail("service_name y service_url son obligatorios"))
	}

	if _, err := s.registry.Register(c.Request().Context(), info.ToRecord()); err != nil {
		if storage.IsInvalidArgument(err) {
			return c.JSON(http.StatusBadRequest, detail(err.Error()))
		}
		s.logger.Error("注册服务失败", zap.String("service", info.Name), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, detail("Error al registrar el servicio"))
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":     fmt.Sprintf("Servicio '%s' registrado exitosamente", info.Name),
		"persistence": s.opts.Persistence,
		"service":     info,
	})
}

func (s *Server) unregisterHandler(c echo.Context) error {
	name := c.Param("name")
	found, err := s.registry.Unregister(c.Request().Context(), name)
	if err != nil {
		s.logger.Error("注销服务失败", zap.String("service", name), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, detail("Error al desregistrar el servicio"))
	}
	if !found {
		return c.JSON(http.StatusNotFound, detail(fmt.Sprintf("Servicio '%s' no encontrado", name)))
	}
	return c.JSON(http.StatusOK, model.ApiResponse{
		Message: fmt.Sprintf("Servicio '%s' desregistrado exitosamente", name),
	})
}

func (s *Server) discoverHandler(c echo.Context) error {
	services := s.registry.List()
	views := make(map[string]serviceView, len(services))
	for _, rec := range services {
		views[rec.Name] = toView(rec)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total_services": len(services),
		"persistence":    s.opts.Persistence,
		"services":       views,
	})
}

func toView(rec model.ServiceRecord) serviceView {
	v := serviceView{
		URL:          rec.Address,
		Description:  rec.Description,
		Version:      rec.Version,
		Status:       rec.Status,
		Endpoints:    rec.Endpoints,
		RegisteredAt: rec.RegisteredAt.Format(time.RFC3339Nano),
	}
	if v.Endpoints == nil {
		v.Endpoints = []string{}
	}
	if rec.LastHeartbeat != nil {
		hb := rec.LastHeartbeat.Format(time.RFC3339Nano)
		v.LastHeartbeat = &hb
	}
	return v
}

func (s *Server) routeHandler(c echo.Context) error {
	var req model.RouteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, detail("Mensaje inválido: "+err.Error()))
	}
	return c.JSON(http.StatusOK, s.router.Route(c.Request().Context(), req))
}

func (s *Server) healthHandler(c echo.Context) error {
	name := c.Param("name")
	status, found, err := s.health.Probe(c.Request().Context(), name)
	if !found {
		return c.JSON(http.StatusNotFound, detail(fmt.Sprintf("Servicio '%s' no encontrado", name)))
	}
	if err != nil {
		s.logger.Warn("写回健康状态失败", zap.String("service", name), zap.Error(err))
	}

	rec, _ := s.registry.Get(name)
	var hb *string
	if rec.LastHeartbeat != nil {
		v := rec.LastHeartbeat.Format(time.RFC3339Nano)
		hb = &v
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"service":        name,
		"status":         status,
		"url":            rec.Address,
		"last_heartbeat": hb,
	})
}

func (s *Server) heartbeatHandler(c echo.Context) error {
	name := c.Param("name")
	found, err := s.registry.Heartbeat(c.Request().Context(), name)
	if err != nil {
		s.logger.Error("处理心跳失败", zap.String("service", name), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, detail("Error al registrar el heartbeat"))
	}
	if !found {
		return c.JSON(http.StatusNotFound, detail(fmt.Sprintf("Servicio '%s' no registrado", name)))
	}
	return c.JSON(http.StatusOK, model.ApiResponse{
		Message: fmt.Sprintf("Heartbeat recibido de '%s'", name),
	})
}

func (s *Server) logsHandler(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultLogLimit)
	if err != nil || limit < 0 {
		return c.JSON(http.StatusBadRequest, detail("limit debe ser un entero no negativo"))
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		return c.JSON(http.StatusBadRequest, detail("offset debe ser un entero no negativo"))
	}

	logs, total := s.registry.Logs(limit, offset)
	if logs == nil {
		logs = []model.MessageLogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total_logs":  total,
		"showing":     len(logs),
		"logs":        logs,
		"persistence": s.opts.Persistence,
	})
}

func queryInt(c echo.Context, key string, def int) (int, error) {
	raw := c.QueryParam(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) statsHandler(c echo.Context) error {
	counts := s.registry.StatusCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	out := map[string]interface{}{
		"total_services":    total,
		"active_services":   counts[model.StatusActive],
		"inactive_services": counts[model.StatusInactive],
		"degraded_services": counts[model.StatusDegraded],
		"unknown_services":  counts[model.StatusUnknown],
		"persistence":       s.opts.Persistence,
	}
	for key, value := range s.registry.Counters() {
		out[key] = value
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) broadcastHandler(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, detail("No se pudo leer el mensaje"))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte(`{}`)
	}
	if !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, detail("El mensaje debe ser JSON"))
	}

	results := s.router.Broadcast(c.Request().Context(), json.RawMessage(body))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Broadcast completado",
		"results": results,
	})
}

func (s *Server) pingHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "pong",
		"timestamp": timestamp(),
	})
}
