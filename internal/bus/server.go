package bus

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const jsonContentType = "application/json; charset=utf-8"

type credentialsKey struct{}

func (s *Service) newEngine() *gin.Engine {
	r := gin.New()
	r.Use(accessLog(s.log))
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	for path, h := range s.aux {
		r.GET(path, gin.WrapH(h))
	}
	r.POST("/*path", s.handleCall)
	return r
}

// handleCall turns one POST into a Message, posts it to the loop and waits for
// the handler's reply, the caller going away, or the service shutting down.
func (s *Service) handleCall(c *gin.Context) {
	category, method := splitMethodPath(c.Param("path"))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadBytes+1))
	if err != nil {
		c.Data(http.StatusBadRequest, jsonContentType, ErrorReply(ErrorCodeGeneric, "Unable to read message.", err.Error()))
		return
	}
	if len(body) > MaxPayloadBytes {
		c.Data(http.StatusRequestEntityTooLarge, jsonContentType, ErrorReply(ErrorCodeGeneric, "Message too large.", ""))
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	ctx := c.Request.Context()
	msg := NewMessage(ctx, s.name, category, method, body)
	if creds, ok := ctx.Value(credentialsKey{}).(Credentials); ok {
		msg.Sender = creds
	}

	if err := s.Dispatch(msg); err != nil {
		switch {
		case errors.Is(err, ErrNoMethod):
			c.Data(http.StatusNotFound, jsonContentType, ErrorReply(ErrorCodeGeneric,
				"Unknown method \""+method+"\" for category \""+category+"\"", ""))
		default:
			c.Data(http.StatusServiceUnavailable, jsonContentType, ErrorReply(ErrorCodeGeneric, "Service is not running.", err.Error()))
		}
		return
	}

	select {
	case payload := <-msg.Response():
		c.Data(http.StatusOK, jsonContentType, payload)
	case <-ctx.Done():
		s.log.Debug().Str("uri", msg.URI()).Str("sender", msg.Sender.String()).Msg("caller abandoned call")
	case <-s.closing:
		c.Status(http.StatusServiceUnavailable)
	}
}

func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("bus request")
	}
}
