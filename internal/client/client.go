// Package client provides the command-dispatch layer over the salt-api
// request client: five execution styles lowered onto one wire primitive.
// 命令分发客户端：local / local_async / local_batch / runner / wheel
// 五种执行模式共用同一个提交原语
package client

import (
	"encoding/json"
	"fmt"

	"github.com/drover-project/drover/internal/api"
	"github.com/drover-project/drover/internal/logger"
)

// Client modes understood by the backend
const (
	ModeLocal      = "local"
	ModeLocalAsync = "local_async"
	ModeLocalBatch = "local_batch"
	ModeRunner     = "runner"
	ModeWheel      = "wheel"
)

// Target expression types for minion-directed modes
// 目标匹配表达式类型
const (
	TargetGlob       = "glob"
	TargetPCRE       = "pcre"
	TargetList       = "list"
	TargetGrain      = "grain"
	TargetGrainPCRE  = "grain_pcre"
	TargetNodegroup  = "nodegroup"
	TargetRange      = "range"
	TargetCompound   = "compound"
	TargetPillar     = "pillar"
	TargetPillarPCRE = "pillar_pcre"
	TargetIPCIDR     = "ipcidr"
)

// Command is one unit of work on the wire. Fields not meaningful for a given
// mode are omitted from the payload entirely — the backend schema treats
// "present as null" and "absent" differently for some modes.
type Command struct {
	Client   string                 `json:"client"`
	Target   string                 `json:"tgt,omitempty"`
	ExprForm string                 `json:"expr_form,omitempty"`
	Fun      string                 `json:"fun"`
	Arg      []interface{}          `json:"arg,omitempty"`
	Kwarg    map[string]interface{} `json:"kwarg,omitempty"`
	Timeout  int                    `json:"timeout,omitempty"`
	Batch    string                 `json:"batch,omitempty"`
	Ret      string                 `json:"ret,omitempty"`
}

// LocalRequest describes a function run against targeted minions
type LocalRequest struct {
	Target     string
	TargetType string // defaults to glob
	Fun        string
	Arg        []interface{}
	Kwarg      map[string]interface{}
	Timeout    int    // seconds; 0 leaves the backend default
	Ret        string // optional result-store returner
}

// BatchRequest describes a staged-batch run against targeted minions
type BatchRequest struct {
	Target     string
	TargetType string
	Fun        string
	Arg        []interface{}
	Kwarg      map[string]interface{}
	Batch      string // batch size, e.g. "10" or "50%"; defaults to 50%
	Ret        string
}

// MasterRequest describes a master-side function call (runner or wheel)
type MasterRequest struct {
	Fun   string
	Arg   []interface{}
	Kwarg map[string]interface{}
}

// Job is the handle returned by an asynchronous dispatch
type Job struct {
	JID     string   `json:"jid"`
	Minions []string `json:"minions"`
}

// JobInfo is the backend's metadata record for one job
type JobInfo struct {
	Function  string                 `json:"Function,omitempty"`
	JID       string                 `json:"jid,omitempty"`
	Minions   []string               `json:"Minions,omitempty"`
	StartTime string                 `json:"StartTime,omitempty"`
	Target    string                 `json:"Target,omitempty"`
	User      string                 `json:"User,omitempty"`
	Result    map[string]interface{} `json:"Result,omitempty"`
}

// JobStatus is one point-in-time snapshot of an asynchronous job
type JobStatus struct {
	Info   []JobInfo                `json:"info,omitempty"`
	Return []map[string]interface{} `json:"return"`
}

// MinionReturns flattens the per-minion results reported so far
func (s *JobStatus) MinionReturns() map[string]interface{} {
	merged := make(map[string]interface{})
	for _, entry := range s.Return {
		for minion, result := range entry {
			merged[minion] = result
		}
	}
	return merged
}

// StatusFetcher performs one fresh status lookup per invocation. The caller
// owns the polling cadence, backoff, and deadline; this layer imposes none.
type StatusFetcher func() (*JobStatus, error)

// Client dispatches commands through a session-authenticated API instance
type Client struct {
	api *api.API
	log *logger.Logger
}

// New creates a dispatch client
func New(a *api.API, log *logger.Logger) (*Client, error) {
	if a == nil {
		return nil, fmt.Errorf("api must not be nil")
	}
	return &Client{api: a, log: log}, nil
}

// API exposes the underlying request layer (login, events, raw runs)
func (c *Client) API() *api.API {
	return c.api
}

// submitOne sends one command and returns its single result entry
func (c *Client) submitOne(cmd *Command) (json.RawMessage, error) {
	resp, err := c.api.Run([]*Command{cmd})
	if err != nil {
		return nil, err
	}
	if len(resp.Return) == 0 {
		return nil, fmt.Errorf("backend returned no result for %s command", cmd.Client)
	}
	return resp.Return[0], nil
}

func targetType(t string) string {
	if t == "" {
		return TargetGlob
	}
	return t
}

// Local runs an execution function on targeted minions and blocks for the
// synchronous result. The backend does the waiting; this call does not poll.
func (c *Client) Local(req *LocalRequest) (interface{}, error) {
	raw, err := c.submitOne(&Command{
		Client:   ModeLocal,
		Target:   req.Target,
		ExprForm: targetType(req.TargetType),
		Fun:      req.Fun,
		Arg:      req.Arg,
		Kwarg:    req.Kwarg,
		Timeout:  req.Timeout,
		Ret:      req.Ret,
	})
	if err != nil {
		return nil, err
	}
	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode local result: %w", err)
	}
	return result, nil
}

// LocalAsync submits without waiting. It returns the job handle (jid plus
// the initially targeted minions) and a fetcher that performs a fresh status
// request each time it is invoked.
func (c *Client) LocalAsync(req *LocalRequest) (*Job, StatusFetcher, error) {
	raw, err := c.submitOne(&Command{
		Client:   ModeLocalAsync,
		Target:   req.Target,
		ExprForm: targetType(req.TargetType),
		Fun:      req.Fun,
		Arg:      req.Arg,
		Kwarg:    req.Kwarg,
		Timeout:  req.Timeout,
		Ret:      req.Ret,
	})
	if err != nil {
		return nil, nil, err
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, nil, fmt.Errorf("failed to decode job handle: %w", err)
	}
	if job.JID == "" {
		return nil, nil, fmt.Errorf("backend accepted the command but returned no jid")
	}

	if c.log != nil {
		c.log.Infof("job %s dispatched to %d minions", job.JID, len(job.Minions))
	}

	fetcher := func() (*JobStatus, error) {
		return c.Job(job.JID)
	}

	return &job, fetcher, nil
}

// Job fetches the current status of a previously dispatched job
func (c *Client) Job(jid string) (*JobStatus, error) {
	var status JobStatus
	if err := c.api.GetJSON("jobs/"+jid, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// BatchResults yields per-batch results in completion order
type BatchResults struct {
	results []interface{}
	idx     int
}

// Next returns the next batch result, or false when exhausted
func (b *BatchResults) Next() (interface{}, bool) {
	if b.idx >= len(b.results) {
		return nil, false
	}
	result := b.results[b.idx]
	b.idx++
	return result, true
}

// Len reports the total number of batches
func (b *BatchResults) Len() int {
	return len(b.results)
}

// LocalBatch runs an execution function in staged batches. The backend's
// response for this mode is one JSON document holding the ordered batch
// results, delivered after all batches complete; the cursor yields them in
// order but callers must not assume incremental delivery.
func (c *Client) LocalBatch(req *BatchRequest) (*BatchResults, error) {
	batch := req.Batch
	if batch == "" {
		batch = "50%"
	}

	resp, err := c.api.Run([]*Command{{
		Client:   ModeLocalBatch,
		Target:   req.Target,
		ExprForm: targetType(req.TargetType),
		Fun:      req.Fun,
		Arg:      req.Arg,
		Kwarg:    req.Kwarg,
		Batch:    batch,
		Ret:      req.Ret,
	}})
	if err != nil {
		return nil, err
	}

	results := make([]interface{}, 0, len(resp.Return))
	for i, raw := range resp.Return {
		var result interface{}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to decode batch result %d: %w", i, err)
		}
		results = append(results, result)
	}

	return &BatchResults{results: results}, nil
}

// Minions lists the fleet's minions with their grain documents
func (c *Client) Minions() (map[string]interface{}, error) {
	return c.minionDoc("minions")
}

// Minion fetches one minion's grain document
func (c *Client) Minion(id string) (map[string]interface{}, error) {
	return c.minionDoc("minions/" + id)
}

func (c *Client) minionDoc(path string) (map[string]interface{}, error) {
	var out struct {
		Return []map[string]interface{} `json:"return"`
	}
	if err := c.api.GetJSON(path, &out); err != nil {
		return nil, err
	}
	if len(out.Return) == 0 {
		return nil, fmt.Errorf("backend returned no minion data")
	}
	return out.Return[0], nil
}

// Runner runs a runner function on the master (no targeting)
func (c *Client) Runner(req *MasterRequest) (interface{}, error) {
	return c.master(ModeRunner, req)
}

// Wheel runs a wheel (master-management) function
func (c *Client) Wheel(req *MasterRequest) (interface{}, error) {
	return c.master(ModeWheel, req)
}

func (c *Client) master(mode string, req *MasterRequest) (interface{}, error) {
	raw, err := c.submitOne(&Command{
		Client: mode,
		Fun:    req.Fun,
		Arg:    req.Arg,
		Kwarg:  req.Kwarg,
	})
	if err != nil {
		return nil, err
	}
	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", mode, err)
	}
	return result, nil
}
