package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/descriptor"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/domain"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/userdata"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

// WBAHandler serves identity documents and discovery artefacts from the
// per-domain user directories.
type WBAHandler struct {
	domains *domain.Manager
	users   *userdata.Store
	logger  *zap.Logger
}

// NewWBAHandler creates a WBAHandler.
func NewWBAHandler(domains *domain.Manager, users *userdata.Store, logger *zap.Logger) *WBAHandler {
	return &WBAHandler{domains: domains, users: users, logger: logger}
}

// Register mounts the document routes.
func (h *WBAHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/user/:user_id/:filename", h.serveUserFile)
	rg.GET("/hostuser/:user_id/:filename", h.serveHostedFile)
}

// shortID accepts either a bare short ID or a full DID in the path segment.
func shortID(param string) string {
	if did.IsWBA(param) {
		return did.ShortIDOf(param)
	}
	return param
}

func (h *WBAHandler) serveUserFile(c *gin.Context) {
	host, port := requestHost(c)
	root := h.domains.UserDIDPath(host, port)
	h.serve(c, root, shortID(c.Param("user_id")), c.Param("filename"))
}

// serveHostedFile serves documents of identities minted by this server.
// Only the DID document is exposed for hosted users.
func (h *WBAHandler) serveHostedFile(c *gin.Context) {
	if c.Param("filename") != userdata.DIDDocumentFile && c.Param("filename") != "did.json" {
		notFound(c, "hosted users expose only their DID document")
		return
	}
	host, port := requestHost(c)
	root := h.domains.UserHostedPath(host, port)
	h.serve(c, root, shortID(c.Param("user_id")), "did.json")
}

// serve maps the requested filename to the stored artefact: did.json and
// ad.json are literal, any other .yaml name serves the OpenAPI document and
// any other .json name serves the JSON-RPC document.
func (h *WBAHandler) serve(c *gin.Context, root, sid, filename string) {
	var stored, contentType string
	switch {
	case filename == "did.json":
		stored, contentType = userdata.DIDDocumentFile, "application/json"
	case filename == descriptor.ADFile:
		stored, contentType = descriptor.ADFile, "application/json"
	case strings.HasSuffix(filename, ".yaml"):
		stored, contentType = descriptor.OpenAPIFile, "application/x-yaml"
	case strings.HasSuffix(filename, ".json"):
		stored, contentType = descriptor.JSONRPCFile, "application/json"
	default:
		notFound(c, "unknown document "+filename)
		return
	}

	data, err := h.users.File(root, sid, stored)
	if err != nil {
		h.logger.Debug("document not found",
			zap.String("short_id", sid),
			zap.String("file", stored),
			zap.Error(err),
		)
		notFound(c, "no document "+filename+" for user "+sid)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": msg})
}
