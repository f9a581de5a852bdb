// Package enrollment assembles the enrollment saga from the catalog and the
// seat allocator.
package enrollment

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/enrollment-sagas/internal/breaker"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/catalog"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/seats"
)

const SagaName = "create_enrollment"

// Metadata keys stored with the instance.
const (
	MetaIdempotencyKey = "idempotency_key"
	MetaTaskID         = "task_id"
)

// Meta identifies one execution of the saga.
type Meta struct {
	SagaID         string
	CorrelationID  string
	IdempotencyKey string
	TaskID         string
}

type Builder struct {
	catalog *catalog.Catalog
	seats   *seats.Allocator
	now     func() time.Time
}

func NewBuilder(cat *catalog.Catalog, alloc *seats.Allocator) *Builder {
	return &Builder{catalog: cat, seats: alloc, now: time.Now}
}

// Build returns the saga for req. Every step touches the relational store
// and is routed through the database breaker.
func (b *Builder) Build(req domain.Request, meta Meta) (*coordinator.Saga, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if meta.SagaID == "" {
		meta.SagaID = uuid.NewString()
	}
	if meta.IdempotencyKey == "" {
		meta.IdempotencyKey = req.IdempotencyKey()
	}

	groups := append([]string(nil), req.GroupIDs...)
	sort.Strings(groups)
	req.GroupIDs = groups

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("enrollment: encode request: %w", err)
	}

	s := coordinator.New(SagaName,
		coordinator.WithID(meta.SagaID),
		coordinator.WithCorrelationID(meta.CorrelationID),
		coordinator.WithPayload(payload),
		coordinator.WithMetadata(map[string]string{
			MetaIdempotencyKey: meta.IdempotencyKey,
			MetaTaskID:         meta.TaskID,
		}),
		coordinator.WithValues(map[string]string{
			ValueRequesterID: req.RequesterID,
			ValuePeriodID:    req.PeriodID,
			ValueGroupIDs:    strings.Join(groups, ","),
		}),
	)

	db := coordinator.OnDependency(breaker.Database)
	s.Add(&ValidateStep{catalog: b.catalog, req: req}, db, coordinator.Resumable())
	s.Add(&ScheduleStep{catalog: b.catalog, req: req}, db, coordinator.Resumable())
	for _, g := range groups {
		s.Add(&ReserveSeatStep{seats: b.seats, sagaID: meta.SagaID, groupID: g, requesterID: req.RequesterID}, db, coordinator.Resumable())
	}
	s.Add(&RecordEnrollmentStep{catalog: b.catalog, sagaID: meta.SagaID, req: req, now: b.now}, db, coordinator.Resumable())
	return s, nil
}

// Rebuild reconstructs the saga of a persisted instance for recovery.
func (b *Builder) Rebuild(_ context.Context, in *coordinator.Instance) (*coordinator.Saga, error) {
	var req domain.Request
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return nil, fmt.Errorf("enrollment: decode payload of saga %s: %w", in.ID, err)
	}
	return b.Build(req, Meta{
		SagaID:         in.ID,
		CorrelationID:  in.CorrelationID,
		IdempotencyKey: in.Metadata[MetaIdempotencyKey],
		TaskID:         in.Metadata[MetaTaskID],
	})
}
