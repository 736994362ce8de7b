package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/domain"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/hosted"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/userdata"
)

// HostedDIDHandler exposes the hosted-DID issuance workflow over HTTP.
type HostedDIDHandler struct {
	domains *domain.Manager
	users   *userdata.Store
	runtime func(host string, port int) *DomainRuntime
	logger  *zap.Logger

	// Advisory processing-time estimate returned on submission, seconds.
	estimatedSeconds int
}

// NewHostedDIDHandler creates a HostedDIDHandler. runtime resolves the
// per-domain queue and result store for a validated (host, port).
func NewHostedDIDHandler(domains *domain.Manager, users *userdata.Store,
	runtime func(host string, port int) *DomainRuntime, estimatedSeconds int, logger *zap.Logger) *HostedDIDHandler {
	if estimatedSeconds <= 0 {
		estimatedSeconds = 300
	}
	return &HostedDIDHandler{
		domains:          domains,
		users:            users,
		runtime:          runtime,
		estimatedSeconds: estimatedSeconds,
		logger:           logger,
	}
}

// Register mounts the hosted-DID routes.
func (h *HostedDIDHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/request", h.submit)
	rg.GET("/status/:request_id", h.status)
	rg.GET("/check/:requester_id", h.check)
	rg.POST("/acknowledge/:result_id", h.acknowledge)
	rg.GET("/list", h.list)
}

func (h *HostedDIDHandler) domainRuntime(c *gin.Context) *DomainRuntime {
	host, port := requestHost(c)
	rt := h.runtime(host, port)
	if rt == nil {
		c.JSON(http.StatusForbidden, gin.H{
			"error": (&domain.AccessError{Host: host, Port: port}).Error(),
		})
	}
	return rt
}

type hostedDIDRequest struct {
	DIDDocument  map[string]any `json:"didDocument" binding:"required"`
	RequesterDID string         `json:"requesterDID" binding:"required"`
	CallbackInfo map[string]any `json:"callbackInfo"`
}

func (h *HostedDIDHandler) submit(c *gin.Context) {
	rt := h.domainRuntime(c)
	if rt == nil {
		return
	}

	var body hostedDIDRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	req := &hosted.Request{
		RequestID:    uuid.New().String(),
		RequesterDID: body.RequesterDID,
		DIDDocument:  body.DIDDocument,
		CallbackInfo: body.CallbackInfo,
	}
	if err := rt.Queue.Add(req); err != nil {
		if errors.Is(err, hosted.ErrDuplicateRequest) {
			// A duplicate is answered through the result inbox too, so a
			// client that only polls still learns about the rejection.
			h.publishRejection(rt, req, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{
				"success":   false,
				"requestID": req.RequestID,
				"message":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":                 true,
		"requestID":               req.RequestID,
		"estimatedProcessingTime": h.estimatedSeconds,
	})
}

func (h *HostedDIDHandler) publishRejection(rt *DomainRuntime, req *hosted.Request, msg string) {
	host, port := rt.Host, rt.Port
	now := time.Now().UTC()
	res := &hosted.Result{
		ResultID:         hosted.ResultID(req.RequesterDID, req.RequestID, now),
		RequestID:        req.RequestID,
		RequesterDID:     req.RequesterDID,
		RequesterShortID: req.RequesterShortID(),
		Success:          false,
		ErrorMessage:     msg,
		CreatedAt:        now,
		Host:             host,
		Port:             port,
	}
	if err := rt.Results.Publish(res); err != nil {
		h.logger.Error("publish rejection result",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

func (h *HostedDIDHandler) status(c *gin.Context) {
	rt := h.domainRuntime(c)
	if rt == nil {
		return
	}
	req, err := rt.Queue.Find(c.Param("request_id"))
	if err != nil {
		if errors.Is(err, hosted.ErrRequestNotFound) {
			notFound(c, err.Error())
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error_message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requestID": req.RequestID,
		"status":    req.Status,
		"statusLog": req.StatusLog,
		"createdAt": req.CreatedAt,
		"updatedAt": req.UpdatedAt,
	})
}

func (h *HostedDIDHandler) check(c *gin.Context) {
	rt := h.domainRuntime(c)
	if rt == nil {
		return
	}
	results, err := rt.Results.ForShortID(c.Param("requester_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error_message": err.Error()})
		return
	}
	if results == nil {
		results = []*hosted.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (h *HostedDIDHandler) acknowledge(c *gin.Context) {
	rt := h.domainRuntime(c)
	if rt == nil {
		return
	}
	if err := rt.Results.Acknowledge(c.Param("result_id")); err != nil {
		if errors.Is(err, hosted.ErrResultNotFound) {
			notFound(c, err.Error())
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error_message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// list enumerates the hosted DIDs minted for the current domain.
func (h *HostedDIDHandler) list(c *gin.Context) {
	host, port := requestHost(c)
	root := h.domains.UserHostedPath(host, port)
	ids, err := h.users.ListUsers(root)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error_message": err.Error()})
		return
	}
	var dids []string
	for _, sid := range ids {
		u, err := h.users.LoadUser(root, sid)
		if err != nil {
			h.logger.Warn("unreadable hosted user", zap.String("short_id", sid), zap.Error(err))
			continue
		}
		dids = append(dids, u.DID)
	}
	if dids == nil {
		dids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"hostedDIDs": dids, "count": len(dids)})
}
