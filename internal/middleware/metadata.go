package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orgforge/backend/internal/events"
)

// HeaderCorrelationID carries the correlation id of a request chain.
const HeaderCorrelationID = "X-Correlation-ID"

// EventMetadata attaches the causal metadata recorded with appended events to
// the request context: the authenticated user as actor and the caller's
// correlation id, or a fresh one. The correlation id is echoed back.
func EventMetadata() gin.HandlerFunc {
	return func(c *gin.Context) {
		md := events.Metadata{CorrelationID: c.GetHeader(HeaderCorrelationID)}
		if md.CorrelationID == "" {
			md.CorrelationID = uuid.NewString()
		}
		if v, ok := c.Get(ContextUserID); ok {
			if id, ok := v.(uuid.UUID); ok {
				md.ActorID = id.String()
			}
		}
		c.Header(HeaderCorrelationID, md.CorrelationID)
		c.Request = c.Request.WithContext(events.WithMetadata(c.Request.Context(), md))
		c.Next()
	}
}
