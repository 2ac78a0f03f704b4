// Package voiding irreversibly redacts protected fields of terminal batches
// and experiments, replacing each secret with a short keyed fingerprint.
package voiding

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/repository"
)

const (
	secretPrefix         = "secret_"
	fingerprintLength    = 10
	placeholderFormat    = "{voided:%s}"
	sensitiveSectionAuth = "auth"
	sensitiveSectionAcc  = "access"
)

type Engine struct {
	batchRepository      repository.BatchRepository
	experimentRepository repository.ExperimentRepository
	agencyId             string
}

func NewEngine(
	batchRepository repository.BatchRepository,
	experimentRepository repository.ExperimentRepository,
	agencyId string,
) *Engine {
	return &Engine{
		batchRepository:      batchRepository,
		experimentRepository: experimentRepository,
		agencyId:             agencyId,
	}
}

// VoidBatches redacts every terminal batch that has not been voided yet.
// Already voided batches are never touched again.
func (e *Engine) VoidBatches() {
	batches, err := e.batchRepository.GetTerminalUnvoided()
	if err != nil {
		log.WithError(err).Error("Failed to list batches pending voiding")
		return
	}
	for _, batch := range batches {
		batch.Payload = e.Redact(batch.Payload)
		if err := e.batchRepository.MarkVoided(batch); err != nil {
			log.WithError(err).Errorf("Failed to void batch %s", batch.Id)
		}
	}
}

// VoidExperiments redacts an experiment once every one of its batches is
// terminal, checked by comparing the total batch count against the terminal
// batch count. Experiments without batches are left alone.
func (e *Engine) VoidExperiments() {
	experiments, err := e.experimentRepository.GetUnvoidedExperiments()
	if err != nil {
		log.WithError(err).Error("Failed to list experiments pending voiding")
		return
	}
	for _, experiment := range experiments {
		total, err := e.batchRepository.CountByExperiment(experiment.Id, domain.AllBatchStates)
		if err != nil {
			log.WithError(err).Errorf("Failed to count batches of experiment %s", experiment.Id)
			continue
		}
		terminal, err := e.batchRepository.CountByExperiment(experiment.Id, domain.TerminalStates)
		if err != nil {
			log.WithError(err).Errorf("Failed to count terminal batches of experiment %s", experiment.Id)
			continue
		}
		if total == 0 || total != terminal {
			continue
		}
		experiment.Payload = e.Redact(experiment.Payload)
		if err := e.experimentRepository.MarkVoided(experiment); err != nil {
			log.WithError(err).Errorf("Failed to void experiment %s", experiment.Id)
		}
	}
}

// Redact returns a copy of the document with every protected field replaced
// by a brace-wrapped fingerprint: fields inside access/auth subsections,
// fields named password and fields carrying the secret_ prefix.
func (e *Engine) Redact(document domain.Document) domain.Document {
	if document == nil {
		return nil
	}
	redacted := redactMap(document, false, e.agencyId)
	return redacted
}

func protectedKey(key string) bool {
	return key == "password" || strings.HasPrefix(key, secretPrefix)
}

func sensitiveSection(key string) bool {
	return key == sensitiveSectionAuth || key == sensitiveSectionAcc
}

func redactMap(in map[string]interface{}, sensitive bool, agencyId string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		switch {
		case protectedKey(key):
			out[key] = fingerprint(agencyId, value)
		case sensitive || sensitiveSection(key):
			out[key] = redactValue(value, true, agencyId)
		default:
			out[key] = redactValue(value, false, agencyId)
		}
	}
	return out
}

func redactValue(value interface{}, sensitive bool, agencyId string) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		return redactMap(typed, sensitive, agencyId)
	case domain.Document:
		return redactMap(typed, sensitive, agencyId)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item, sensitive, agencyId)
		}
		return out
	default:
		if sensitive {
			return fingerprint(agencyId, typed)
		}
		return typed
	}
}

// fingerprint derives a short non-reversible placeholder from the agency
// identity and the original value.
func fingerprint(agencyId string, value interface{}) string {
	mac := hmac.New(sha256.New, []byte(agencyId))
	fmt.Fprintf(mac, "%v", value)
	digest := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf(placeholderFormat, digest[:fingerprintLength])
}
