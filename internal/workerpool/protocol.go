package workerpool

import (
	"encoding/json"
	"time"
)

// Wire message types. Unknown types are skipped on read by either side.
const (
	msgTask         = "task"
	msgResult       = "result"
	msgHeartbeat    = "heartbeat"
	msgHeartbeatAck = "heartbeat_ack"
	msgShutdown     = "shutdown"
	msgReady        = "ready"
)

// envelope is the minimal frame every wire message shares.
type envelope struct {
	Type string `json:"type"`
}

type taskMessage struct {
	Type     string          `json:"type"`
	TaskID   string          `json:"task_id"`
	TaskData json.RawMessage `json:"task_data"`
}

type resultMessage struct {
	Type          string          `json:"type"`
	TaskID        string          `json:"task_id"`
	Status        ResultStatus    `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Metadata      resultMetadata  `json:"metadata"`
	Confidence    float64         `json:"confidence"`
	Error         string          `json:"error,omitempty"`
	ResourcesUsed map[string]any  `json:"resources_used,omitempty"`
}

type resultMetadata struct {
	ExecutionTime  float64 `json:"execution_time"`
	ModelUsed      string  `json:"model_used,omitempty"`
	TokensConsumed int     `json:"tokens_consumed"`
	Cost           float64 `json:"cost"`
}

type controlMessage struct {
	Type string `json:"type"`
}

func encodeTask(t Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskMessage{Type: msgTask, TaskID: t.ID, TaskData: data})
}

func encodeControl(msgType string) []byte {
	raw, _ := json.Marshal(controlMessage{Type: msgType})
	return raw
}

// toResult converts a wire result into the pool-level TaskResult.
func (m *resultMessage) toResult(instanceID string) *TaskResult {
	return &TaskResult{
		TaskID:           m.TaskID,
		WorkerInstanceID: instanceID,
		Status:           m.Status,
		Output:           m.Output,
		ExecutionTime:    m.Metadata.ExecutionTime,
		Confidence:       m.Confidence,
		ModelUsed:        m.Metadata.ModelUsed,
		TokensConsumed:   m.Metadata.TokensConsumed,
		CostUSD:          m.Metadata.Cost,
		Error:            m.Error,
		ResourcesUsed:    m.ResourcesUsed,
	}
}

// timeoutResult synthesizes the result recorded when a task deadline passes.
func timeoutResult(taskID, instanceID string, elapsed time.Duration) *TaskResult {
	return &TaskResult{
		TaskID:           taskID,
		WorkerInstanceID: instanceID,
		Status:           ResultTimeout,
		ExecutionTime:    elapsed.Seconds(),
		Error:            "task timed out",
	}
}
