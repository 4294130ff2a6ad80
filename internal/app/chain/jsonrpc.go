package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/crossvault/authcore/internal/app/domain/consensus"
	"github.com/crossvault/authcore/internal/config"
)

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int             `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// JSONRPCAdapter talks generic JSON-RPC 2.0 to one chain's verification
// endpoint. Response fields are located through configured gjson paths so a
// single implementation serves differently shaped nodes.
type JSONRPCAdapter struct {
	name             string
	role             consensus.Role
	rpcURL           string
	queryMethod      string
	submitMethod     string
	statusPath       string
	confirmPath      string
	minConfirmations int64
	httpClient       *http.Client
}

var _ Adapter = (*JSONRPCAdapter)(nil)

// NewJSONRPC creates an adapter from chain configuration.
func NewJSONRPC(cfg config.ChainConfig) (*JSONRPCAdapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain %s: RPC URL required", cfg.Name)
	}
	queryMethod := cfg.QueryMethod
	if queryMethod == "" {
		queryMethod = "vault_verifyAction"
	}
	submitMethod := cfg.SubmitMethod
	if submitMethod == "" {
		submitMethod = "vault_submit"
	}
	statusPath := cfg.StatusPath
	if statusPath == "" {
		statusPath = "status"
	}
	confirmPath := cfg.ConfirmationsPath
	if confirmPath == "" {
		confirmPath = "confirmations"
	}

	return &JSONRPCAdapter{
		name:             cfg.Name,
		role:             consensus.Role(cfg.Role),
		rpcURL:           cfg.RPCURL,
		queryMethod:      queryMethod,
		submitMethod:     submitMethod,
		statusPath:       statusPath,
		confirmPath:      confirmPath,
		minConfirmations: cfg.MinConfirmations,
		httpClient:       &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

func (a *JSONRPCAdapter) Name() string         { return a.name }
func (a *JSONRPCAdapter) Role() consensus.Role { return a.role }

// Query verifies an action on this chain and normalizes the node's answer.
func (a *JSONRPCAdapter) Query(ctx context.Context, actionID string) (consensus.ChainResult, error) {
	raw, err := a.call(ctx, a.queryMethod, []interface{}{actionID})
	if err != nil {
		return consensus.ChainResult{}, err
	}

	result := consensus.ChainResult{
		Chain:         a.name,
		Role:          a.role,
		Confirmations: gjson.GetBytes(raw, a.confirmPath).Int(),
	}

	var evidence map[string]interface{}
	if err := json.Unmarshal(raw, &evidence); err == nil {
		result.Evidence = evidence
	}

	switch strings.ToLower(gjson.GetBytes(raw, a.statusPath).String()) {
	case "success", "confirmed", "ok", "valid":
		if result.Confirmations < a.minConfirmations {
			result.Status = consensus.StatusWarning
			result.Message = fmt.Sprintf("only %d of %d confirmations", result.Confirmations, a.minConfirmations)
		} else {
			result.Status = consensus.StatusSuccess
			result.Message = "action verified"
		}
	case "pending", "warning":
		result.Status = consensus.StatusWarning
		result.Message = "verification pending"
	default:
		result.Status = consensus.StatusError
		result.Message = fmt.Sprintf("chain reported status %q", gjson.GetBytes(raw, a.statusPath).String())
	}

	return result, nil
}

// Submit commits a swap operation and returns the reported tx handle.
func (a *JSONRPCAdapter) Submit(ctx context.Context, swapID string, op Operation) (string, error) {
	raw, err := a.call(ctx, a.submitMethod, []interface{}{swapID, string(op)})
	if err != nil {
		return "", err
	}
	if handle := gjson.GetBytes(raw, "tx_hash").String(); handle != "" {
		return handle, nil
	}
	// Some nodes return the handle as a bare string result.
	var handle string
	if err := json.Unmarshal(raw, &handle); err == nil && handle != "" {
		return handle, nil
	}
	return "", fmt.Errorf("chain %s: submit returned no tx handle", a.name)
}

func (a *JSONRPCAdapter) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// BuildAdapters constructs one JSON-RPC adapter per configured chain.
func BuildAdapters(chains []config.ChainConfig) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(chains))
	for _, cfg := range chains {
		adapter, err := NewJSONRPC(cfg)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}
