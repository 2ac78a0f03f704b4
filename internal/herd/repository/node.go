package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/herdcompute/herd/internal/herd/domain"
)

const nodeReportKey = "Cluster:Nodes"

type NodeRepository interface {
	// UpsertNode writes the configured hardware description, preserving
	// the currently stored health state if the node already exists.
	UpsertNode(node *domain.Node) error
	GetNodes() ([]*domain.Node, error)
	GetNodesByHealth(health domain.NodeHealth) ([]*domain.Node, error)
	SetNodeHealth(name string, health domain.NodeHealth) error
}

type RedisNodeRepository struct {
	db redis.UniversalClient
}

func NewRedisNodeRepository(db redis.UniversalClient) *RedisNodeRepository {
	return &RedisNodeRepository{db: db}
}

func (r *RedisNodeRepository) UpsertNode(node *domain.Node) error {
	existing, err := r.getNode(node.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		node.Health = existing.Health
	} else if node.Health == "" {
		node.Health = domain.Online
	}
	return r.setNode(node)
}

func (r *RedisNodeRepository) GetNodes() ([]*domain.Node, error) {
	result, err := r.db.HGetAll(nodeReportKey).Result()
	if err != nil {
		return nil, err
	}
	nodes := make([]*domain.Node, 0, len(result))
	for _, data := range result {
		node := &domain.Node{}
		if err := json.Unmarshal([]byte(data), node); err != nil {
			return nil, errors.WithStack(err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (r *RedisNodeRepository) GetNodesByHealth(health domain.NodeHealth) ([]*domain.Node, error) {
	nodes, err := r.GetNodes()
	if err != nil {
		return nil, err
	}
	filtered := make([]*domain.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Health == health {
			filtered = append(filtered, node)
		}
	}
	return filtered, nil
}

func (r *RedisNodeRepository) SetNodeHealth(name string, health domain.NodeHealth) error {
	node, err := r.getNode(name)
	if err != nil {
		return err
	}
	if node == nil {
		return errors.Errorf("unknown node %q", name)
	}
	node.Health = health
	return r.setNode(node)
}

func (r *RedisNodeRepository) getNode(name string) (*domain.Node, error) {
	data, err := r.db.HGet(nodeReportKey, name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	node := &domain.Node{}
	if err := json.Unmarshal([]byte(data), node); err != nil {
		return nil, errors.WithStack(err)
	}
	return node, nil
}

func (r *RedisNodeRepository) setNode(node *domain.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.WithStack(err)
	}
	return r.db.HSet(nodeReportKey, node.Name, data).Err()
}
