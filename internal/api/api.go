// Package api exposes the launcher's read model and update trigger over
// HTTP. The dashboard polls /api/status about once a second; remote fleet
// tooling uses the same endpoints through the gateway tunnel.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/skylark-robotics/launcher/internal/buildinfo"
	"github.com/skylark-robotics/launcher/internal/monitor/registry"
	"github.com/skylark-robotics/launcher/internal/monitor/vehicle"
	"github.com/skylark-robotics/launcher/internal/ota/orchestrator"
)

type Api struct {
	registry     *registry.Registry
	vehicle      *vehicle.Store
	orchestrator *orchestrator.Orchestrator
	vehicleID    string
	serviceOrder []string
}

func New(router *gin.Engine, reg *registry.Registry, veh *vehicle.Store, orch *orchestrator.Orchestrator, vehicleID string, serviceOrder []string) *Api {
	api := &Api{
		registry:     reg,
		vehicle:      veh,
		orchestrator: orch,
		vehicleID:    vehicleID,
		serviceOrder: serviceOrder,
	}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *gin.Engine) {
	router.GET("/healthz", api.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/api/status", api.GetStatus)
	router.POST("/api/update", api.TriggerUpdate)
	router.GET("/api/updates", api.ListUpdates)
	router.POST("/api/updates/:jobID/cancel", api.CancelUpdate)
}

type serviceStatusView struct {
	Name             string `json:"name"`
	Status           string `json:"status"`
	Version          string `json:"version"`
	LastHealthReport string `json:"last_health_report"`
	UpdateAvailable  bool   `json:"update_available"`
	AvailableVersion string `json:"available_version,omitempty"`
	UpdateState      string `json:"update_state,omitempty"`
	UpdateError      string `json:"update_error,omitempty"`
}

type statusView struct {
	Version    string              `json:"version"`
	VehicleID  string              `json:"vehicle_id"`
	Location   string              `json:"location"`
	Yaw        float32             `json:"yaw"`
	Battery    float32             `json:"battery"`
	Armed      bool                `json:"armed"`
	FlightMode string              `json:"flight_mode"`
	Services   []serviceStatusView `json:"services"`
}

func (api *Api) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
}

func (api *Api) GetStatus(c *gin.Context) {
	veh := api.vehicle.Snapshot()
	view := statusView{
		Version:    buildinfo.Version,
		VehicleID:  api.vehicleID,
		Location:   fmt.Sprintf("%.6f, %.6f", veh.Latitude, veh.Longitude),
		Yaw:        veh.YawDegree,
		Battery:    veh.BatteryPercentage,
		Armed:      veh.Armed,
		FlightMode: veh.FlightMode,
	}

	records := make(map[string]registry.ServiceRecord)
	for _, rec := range api.registry.Snapshot() {
		records[rec.Name] = rec
	}
	for _, name := range api.serviceOrder {
		rec, ok := records[name]
		if !ok {
			continue
		}
		sv := serviceStatusView{
			Name:             rec.Name,
			Status:           string(rec.Status),
			Version:          rec.Version,
			LastHealthReport: humanizeSince(rec.LastHeartbeatAt),
		}
		if rec.Update != nil {
			sv.UpdateAvailable = true
			sv.AvailableVersion = rec.Update.AvailableVersion
		}
		if job, busy := api.orchestrator.Active(name); busy {
			sv.UpdateState = string(job.State)
			sv.UpdateError = job.Error
		}
		view.Services = append(view.Services, sv)
	}

	c.JSON(http.StatusOK, view)
}

type updateRequest struct {
	Service string `json:"service" binding:"required"`
	Version string `json:"version" binding:"required"`
}

// TriggerUpdate validates the request shape and forwards it to the
// orchestrator's admission; it decides nothing about eligibility itself.
func (api *Api) TriggerUpdate(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	log.Info().Str("service", req.Service).Str("version", req.Version).Msg("update trigger received")

	job, err := api.orchestrator.Propose(c.Request.Context(), req.Service, req.Version)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrUnknownService):
			apiError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		case errors.Is(err, orchestrator.ErrUpdateInFlight):
			apiError(c, http.StatusConflict, "UPDATE_IN_FLIGHT", err.Error())
		case errors.Is(err, orchestrator.ErrVersionCurrent), errors.Is(err, orchestrator.ErrIneligibleVersion):
			apiError(c, http.StatusBadRequest, "INELIGIBLE_VERSION", err.Error())
		default:
			apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (api *Api) ListUpdates(c *gin.Context) {
	active, history := api.orchestrator.Jobs()
	if active == nil {
		active = []orchestrator.Job{}
	}
	if history == nil {
		history = []orchestrator.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"active": active, "history": history})
}

func (api *Api) CancelUpdate(c *gin.Context) {
	jobID := c.Param("jobID")
	err := api.orchestrator.Cancel(jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"job": jobID, "canceled": true})
	case errors.Is(err, orchestrator.ErrJobNotFound):
		apiError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, orchestrator.ErrCancelNotAllowed):
		apiError(c, http.StatusConflict, "CANCEL_NOT_ALLOWED", err.Error())
	default:
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// humanizeSince renders the dashboard's "last health N ago" field.
func humanizeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	elapsed := time.Since(t)
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm", int(elapsed.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(elapsed.Hours()))
	}
}
