package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

/*
Context is the execution handle passed to every job handler. It wraps:
  - the request-scoped context.Context (canceled when the lease is lost),
  - the DB handle,
  - the claimed job row,
  - the decoded payload.

Handlers report outcomes through the returned Result; they never write to the
job row themselves.
*/
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *domain.Job
	Log     *logger.Logger
	payload map[string]any
}

// NewContext eagerly decodes the payload JSON so handlers can use Payload()
// and PayloadUUID(). A malformed payload yields an empty map; handlers
// validate the fields they need.
func NewContext(ctx context.Context, db *gorm.DB, job *domain.Job, log *logger.Logger) *Context {
	c := &Context{
		Ctx: ctx,
		DB:  db,
		Job: job,
		Log: log,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	s := c.PayloadString(key)
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// RunID prefers the job row's run_id column and falls back to the payload.
func (c *Context) RunID() (uuid.UUID, bool) {
	if c.Job != nil && c.Job.RunID != nil && *c.Job.RunID != uuid.Nil {
		return *c.Job.RunID, true
	}
	return c.PayloadUUID("run_id")
}
