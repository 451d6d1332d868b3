package toolgw

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/zps-zest/zest/pkg/models"
)

// ProtocolVersion is reported in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// HandleJSONRPC processes a JSON-RPC 2.0 request against the registry.
// Notifications return nil.
func (gw *Gateway) HandleJSONRPC(ctx context.Context, req *models.RPCRequest) *models.RPCResponse {
	switch req.Method {

	// ── Discovery ────────────────────────────────────
	case "initialize":
		return &models.RPCResponse{
			Jsonrpc: "2.0",
			Result: map[string]interface{}{
				"protocolVersion": ProtocolVersion,
				"capabilities": map[string]interface{}{
					"tools": map[string]bool{"listChanged": false},
				},
				"serverInfo": map[string]string{
					"name":    "zest-tools",
					"version": "0.4.0",
				},
			},
			ID: req.ID,
		}

	case "tools/list":
		specs := gw.List()
		tools := make([]models.RPCToolInfo, 0, len(specs))
		for _, s := range specs {
			tools = append(tools, models.RPCToolInfo{
				Name:        s.Name,
				Description: s.Description,
				InputSchema: s.InputSchema,
			})
		}
		return &models.RPCResponse{
			Jsonrpc: "2.0",
			Result:  map[string]interface{}{"tools": tools},
			ID:      req.ID,
		}

	// ── Tool Invocation ──────────────────────────────
	case "tools/call":
		return gw.handleToolsCall(ctx, req)

	// ── Notifications (no response) ──────────────────
	case "notifications/initialized":
		log.Debug().Msg("Tool gateway client initialized")
		return nil

	case "ping":
		return &models.RPCResponse{
			Jsonrpc: "2.0",
			Result:  map[string]string{"status": "pong"},
			ID:      req.ID,
		}

	default:
		return rpcError(req.ID, -32601, "Method not found",
			fmt.Sprintf("Method '%s' is not supported by the tool gateway", req.Method))
	}
}

func (gw *Gateway) handleToolsCall(ctx context.Context, req *models.RPCRequest) *models.RPCResponse {
	var params models.RPCToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, -32602, "Invalid params", err.Error())
	}
	if params.Name == "" {
		return rpcError(req.ID, -32602, "Invalid params", "missing tool name")
	}
	if _, ok := gw.Get(params.Name); !ok {
		return rpcError(req.ID, -32001, "Tool not found",
			fmt.Sprintf("Tool '%s' is not registered", params.Name))
	}

	res := gw.Dispatch(ctx, models.ToolInvocation{
		Name:   params.Name,
		Params: params.Arguments,
		Syntax: models.SyntaxRPC,
	})

	return &models.RPCResponse{
		Jsonrpc: "2.0",
		Result: models.RPCToolResult{
			Content: []models.RPCContent{{Type: "text", Text: res.Content}},
			IsError: res.IsError,
		},
		ID: req.ID,
	}
}

func rpcError(id interface{}, code int, msg string, data interface{}) *models.RPCResponse {
	return &models.RPCResponse{
		Jsonrpc: "2.0",
		Error:   &models.RPCError{Code: code, Message: msg, Data: data},
		ID:      id,
	}
}
