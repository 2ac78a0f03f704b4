package executor

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/repository"
)

const agentRequestTimeout = 30 * time.Second

type pullRequest struct {
	Image    string   `json:"image"`
	Auth     string   `json:"auth,omitempty"`
	BatchIds []string `json:"batchIds"`
}

type runRequest struct {
	BatchId string `json:"batchId"`
}

// HTTPProxy drives one node agent over its REST interface.
type HTTPProxy struct {
	nodeName       string
	client         *resty.Client
	nodeRepository repository.NodeRepository
}

func NewHTTPProxy(nodeName string, agentUrl string, nodeRepository repository.NodeRepository) *HTTPProxy {
	client := resty.New().
		SetBaseURL(agentUrl).
		SetTimeout(agentRequestTimeout)
	return &HTTPProxy{
		nodeName:       nodeName,
		client:         client,
		nodeRepository: nodeRepository,
	}
}

func (p *HTTPProxy) CleanUp() error {
	return p.post("/cleanup", nil)
}

func (p *HTTPProxy) PullImage(image string, auth string, batchIds []string) error {
	return p.post("/images/pull", &pullRequest{Image: image, Auth: auth, BatchIds: batchIds})
}

func (p *HTTPProxy) RunBatch(batchId string) error {
	return p.post("/batches/run", &runRequest{BatchId: batchId})
}

// InspectOffline probes the agent's health endpoint and, if the agent
// responds, marks the node online again.
func (p *HTTPProxy) InspectOffline() error {
	response, err := p.client.R().Get("/healthz")
	if err != nil {
		return err
	}
	if !response.IsSuccess() {
		return errors.Errorf("agent on %s returned status %d", p.nodeName, response.StatusCode())
	}
	return p.nodeRepository.SetNodeHealth(p.nodeName, domain.Online)
}

func (p *HTTPProxy) post(path string, body interface{}) error {
	request := p.client.R()
	if body != nil {
		request.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	response, err := request.Post(path)
	if err != nil {
		return err
	}
	if !response.IsSuccess() {
		return errors.Errorf("agent on %s returned status %d for %s", p.nodeName, response.StatusCode(), path)
	}
	return nil
}
