package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/herdcompute/herd/internal/herd/domain"
)

const (
	experimentObjectPrefix = "Experiment:"
	experimentsKey         = "Experiments"
	experimentUnvoidedKey  = "Experiment:Unvoided"
)

type ExperimentRepository interface {
	AddExperiment(experiment *domain.Experiment) error
	GetExperiment(id string) (*domain.Experiment, error)
	GetUnvoidedExperiments() ([]*domain.Experiment, error)
	// MarkVoided persists the redacted document and flips the flag atomically.
	MarkVoided(experiment *domain.Experiment) error
}

type RedisExperimentRepository struct {
	db redis.UniversalClient
}

func NewRedisExperimentRepository(db redis.UniversalClient) *RedisExperimentRepository {
	return &RedisExperimentRepository{db: db}
}

func (r *RedisExperimentRepository) AddExperiment(experiment *domain.Experiment) error {
	data, err := json.Marshal(experiment)
	if err != nil {
		return errors.WithStack(err)
	}
	pipe := r.db.TxPipeline()
	pipe.Set(experimentObjectPrefix+experiment.Id, data, 0)
	pipe.SAdd(experimentsKey, experiment.Id)
	if !experiment.ProtectedKeysVoided {
		pipe.SAdd(experimentUnvoidedKey, experiment.Id)
	}
	_, err = pipe.Exec()
	return err
}

func (r *RedisExperimentRepository) GetExperiment(id string) (*domain.Experiment, error) {
	data, err := r.db.Get(experimentObjectPrefix + id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	experiment := &domain.Experiment{}
	if err := json.Unmarshal(data, experiment); err != nil {
		return nil, errors.WithStack(err)
	}
	return experiment, nil
}

func (r *RedisExperimentRepository) GetUnvoidedExperiments() ([]*domain.Experiment, error) {
	ids, err := r.db.SMembers(experimentUnvoidedKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*domain.Experiment{}, nil
	}
	pipe := r.db.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(experimentObjectPrefix+id))
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, err
	}
	experiments := make([]*domain.Experiment, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		experiment := &domain.Experiment{}
		if err := json.Unmarshal(data, experiment); err != nil {
			return nil, errors.WithStack(err)
		}
		if !experiment.ProtectedKeysVoided {
			experiments = append(experiments, experiment)
		}
	}
	return experiments, nil
}

func (r *RedisExperimentRepository) MarkVoided(experiment *domain.Experiment) error {
	experiment.ProtectedKeysVoided = true
	data, err := json.Marshal(experiment)
	if err != nil {
		return errors.WithStack(err)
	}
	pipe := r.db.TxPipeline()
	pipe.Set(experimentObjectPrefix+experiment.Id, data, 0)
	pipe.SRem(experimentUnvoidedKey, experiment.Id)
	_, err = pipe.Exec()
	return err
}
