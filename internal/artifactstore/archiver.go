package artifactstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	ArtifactName   = "artifact.md"
	AssessmentName = "assessment.json"
)

// Archiver writes finished deliverables in the background. Archiving is best
// effort; failures are logged and never reach the caller.
type Archiver struct {
	store   Store
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewArchiver(store Store, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, log: logger, timeout: 10 * time.Second}
}

// Archive stores artifact and the JSON form of meta under requestID.
func (a *Archiver) Archive(requestID, artifact string, meta any) {
	if a == nil || a.store == nil || artifact == "" {
		return
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		a.log.Warn("archive metadata not encodable", zap.String("request_id", requestID), zap.Error(err))
		metaJSON = nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.store.Put(ctx, requestID, ArtifactName, []byte(artifact), "text/markdown; charset=utf-8"); err != nil {
			a.log.Warn("artifact not archived", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		if metaJSON == nil {
			return
		}
		if err := a.store.Put(ctx, requestID, AssessmentName, metaJSON, "application/json"); err != nil {
			a.log.Warn("assessment not archived", zap.String("request_id", requestID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight archives finish.
func (a *Archiver) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}
