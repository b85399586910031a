package api

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kfsoftware/kernelbridge/pkg/attach"
	"github.com/kfsoftware/kernelbridge/pkg/registry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultNotebookPrefix is where a GET attach redirects to, followed by
// the notebook path.
const DefaultNotebookPrefix = "/notebooks/"

type Server struct {
	service        *attach.Service
	notebookPrefix string
	engine         *gin.Engine
}

func NewServer(service *attach.Service, notebookPrefix string) *Server {
	if notebookPrefix == "" {
		notebookPrefix = DefaultNotebookPrefix
	}
	s := &Server{service: service, notebookPrefix: notebookPrefix}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.Default()
	gin.DebugPrintRouteFunc = func(httpMethod, absolutePath, handlerName string, nuHandlers int) {
		log.Debug().Msgf("endpoint %v %v %v %v", httpMethod, absolutePath, handlerName, nuHandlers)
	}
	r.GET("/existing", s.connectExisting)
	r.POST("/existing", s.connectExisting)
	r.GET("/existing/*path", s.connectExisting)
	r.POST("/existing/*path", s.connectExisting)

	r.GET("/api/kernels", s.listKernels)
	r.GET("/api/kernels/:id", s.getKernel)
	r.DELETE("/api/kernels/:id", s.detachKernel)
	r.GET("/api/sessions", s.listSessions)
	return r
}

func param(c *gin.Context, name string) string {
	if v, ok := c.GetQuery(name); ok {
		return v
	}
	return c.PostForm(name)
}

func abort(c *gin.Context, err error) {
	code := attach.StatusCode(err)
	log.Error().Int("status", code).Msgf("Attach failed: %v", err)
	c.JSON(code, gin.H{
		"Message": err.Error(),
		"reason":  attach.Reason(err),
	})
}

func (s *Server) connectExisting(c *gin.Context) {
	req, err := attach.ParseRequest(attach.Params{
		Path:      strings.TrimPrefix(c.Param("path"), "/"),
		ConnFile:  param(c, "conn_file"),
		Server:    param(c, "server"),
		Transport: param(c, "transport"),
		Port:      param(c, "port"),
		Timeout:   param(c, "timeout"),
	})
	if err != nil {
		abort(c, err)
		return
	}
	res, err := s.service.ConnectExisting(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}
	if c.Request.Method == http.MethodGet {
		c.Redirect(http.StatusFound, s.notebookURL(res.Notebook.Path))
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) notebookURL(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return path.Join(s.notebookPrefix, strings.Join(segments, "/"))
}

func (s *Server) listKernels(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.ListKernels())
}

func (s *Server) getKernel(c *gin.Context) {
	model, err := s.service.Kernel(c.Param("id"))
	if errors.Is(err, registry.ErrKernelNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"Message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"Message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, model)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.service.ListSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"Message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) detachKernel(c *gin.Context) {
	err := s.service.Detach(c.Param("id"))
	if errors.Is(err, registry.ErrKernelNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"Message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"Message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListenAndServe serves until ctx is cancelled, then drains requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Listening for attach requests on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
