package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/contacts"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/identity"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/registry"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/router"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

var groupActions = map[string]bool{
	"join":    true,
	"leave":   true,
	"message": true,
	"connect": true,
	"members": true,
}

// AgentAPIHandler dispatches inbound agent calls: API calls, peer messages,
// and group events. With a Forwarder configured, calls are replayed against
// the upstream framework server first.
type AgentAPIHandler struct {
	rt       *router.Router
	forward  *Forwarder                                   // nil = always route locally
	contacts func(host string, port int) *contacts.Book // nil = no contact tracking
	logger   *zap.Logger
}

// NewAgentAPIHandler creates an AgentAPIHandler.
func NewAgentAPIHandler(rt *router.Router, logger *zap.Logger) *AgentAPIHandler {
	return &AgentAPIHandler{rt: rt, logger: logger}
}

// SetForwarder enables forward-to-upstream mode.
func (h *AgentAPIHandler) SetForwarder(f *Forwarder) {
	h.forward = f
}

// SetContacts enables contact tracking. resolve maps a served (host, port)
// to its contact book.
func (h *AgentAPIHandler) SetContacts(resolve func(host string, port int) *contacts.Book) {
	h.contacts = resolve
}

// Register mounts the dispatch routes.
func (h *AgentAPIHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/agent/api/:did/*subpath", h.dispatch)
	rg.POST("/agent/group/:did/:group_id/:action", h.groupEvent)
	rg.GET("/agent/group/:did/:group_id/:action", h.groupEvent)
	rg.GET("/publisher/agents", h.listAgents)
}

// dispatch handles POST /agent/api/{did}/{subpath}. The sub-path
// "/message/post" marks the call as a peer message.
func (h *AgentAPIHandler) dispatch(c *gin.Context) {
	host, port := requestHost(c)
	targetDID := c.Param("did")
	subpath := c.Param("subpath")
	if subpath == "" {
		subpath = "/"
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "read request body: " + err.Error()})
		return
	}
	body := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "request body is not a JSON object"})
			return
		}
	}

	if h.forward != nil && h.forward.Forward(c, raw) {
		return
	}

	reqType := registry.TypeAPICall
	if strings.Trim(subpath, "/") == "message/post" {
		reqType = registry.TypeMessage
	}
	req := &registry.Request{
		CallerDID: identity.CallerDID(c),
		TargetDID: targetDID,
		Type:      reqType,
		Path:      subpath,
		Body:      body,
		Host:      host,
		Port:      port,
	}
	h.route(c, req)
}

// groupEvent handles /agent/group/{did}/{groupID}/{action}.
func (h *AgentAPIHandler) groupEvent(c *gin.Context) {
	action := c.Param("action")
	if !groupActions[action] {
		notFound(c, "unknown group action "+action)
		return
	}
	host, port := requestHost(c)

	body := map[string]any{}
	if c.Request.Method == http.MethodPost {
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
	}

	req := &registry.Request{
		CallerDID: identity.CallerDID(c),
		TargetDID: c.Param("did"),
		Type:      registry.GroupTypePrefix + action,
		GroupID:   c.Param("group_id"),
		EventType: action,
		Body:      body,
		Host:      host,
		Port:      port,
	}
	h.route(c, req)
}

// route resolves and executes a request, translating errors to the wire
// envelopes: 404 {status, message} for unroutable DIDs, 500
// {status, error_message} for handler failures.
func (h *AgentAPIHandler) route(c *gin.Context, req *registry.Request) {
	match, err := h.rt.Route(req)
	if err != nil {
		anpAgentDispatchTotal.WithLabelValues(req.Type, "not_found").Inc()
		var nf *router.NotFoundError
		if errors.As(err, &nf) {
			notFound(c, nf.Error())
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	res, err := match.Agent.HandleRequest(c.Request.Context(), req)
	if err != nil {
		anpAgentDispatchTotal.WithLabelValues(req.Type, "error").Inc()
		h.logger.Error("agent handler failed",
			zap.String("did", req.TargetDID),
			zap.String("agent", match.Agent.Name),
			zap.String("path", req.Path),
			zap.String("type", req.Type),
			zap.Error(err),
		)
		if errors.Is(err, registry.ErrNoRoute) {
			notFound(c, err.Error())
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error_message": err.Error()})
		return
	}

	anpAgentDispatchTotal.WithLabelValues(req.Type, "ok").Inc()
	h.recordContact(req)
	c.JSON(http.StatusOK, res)
}

// recordContact updates the target user's contact book after a served
// interaction with an authenticated caller. Anonymous calls are not recorded.
func (h *AgentAPIHandler) recordContact(req *registry.Request) {
	if h.contacts == nil || req.CallerDID == "" {
		return
	}
	book := h.contacts(req.Host, req.Port)
	if book == nil {
		return
	}
	caller, err := did.Parse(req.CallerDID)
	if err != nil {
		h.logger.Debug("caller DID not recordable",
			zap.String("caller", req.CallerDID), zap.Error(err))
		return
	}
	err = book.AddContact(did.ShortIDOf(req.TargetDID), contacts.Contact{
		RemoteDID: req.CallerDID,
		Host:      caller.Host,
		Port:      caller.Port,
	})
	if err != nil {
		h.logger.Warn("record contact",
			zap.String("target", req.TargetDID),
			zap.String("caller", req.CallerDID),
			zap.Error(err),
		)
	}
}

// listAgents enumerates the agents attached to the current domain.
func (h *AgentAPIHandler) listAgents(c *gin.Context) {
	host, port := requestHost(c)
	infos := h.rt.AgentsFor(host, port)
	if infos == nil {
		infos = []router.AgentInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": infos, "count": len(infos)})
}
