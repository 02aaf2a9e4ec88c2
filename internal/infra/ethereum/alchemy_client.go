// internal/infra/ethereum/alchemy_client.go
package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"group_payment_bot/internal/domain/ledger"

	"github.com/shopspring/decimal"
)

const defaultRequestTimeout = 10 * time.Second

// AlchemyClient implements ledger.Client against an Alchemy (or compatible)
// JSON-RPC endpoint using eth_blockNumber and alchemy_getAssetTransfers.
type AlchemyClient struct {
	rpcURL     string
	httpClient *http.Client
}

func NewAlchemyClient(rpcURL string) *AlchemyClient {
	return &AlchemyClient{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *AlchemyClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s RPC error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// BlockNumber returns the current chain head height.
func (c *AlchemyClient) BlockNumber(ctx context.Context) (uint64, error) {
	var hexHeight string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &hexHeight); err != nil {
		return 0, err
	}
	return parseHexUint(hexHeight)
}

type assetTransfersResult struct {
	Transfers []struct {
		Hash     string      `json:"hash"`
		From     string      `json:"from"`
		To       string      `json:"to"`
		Value    json.Number `json:"value"` // ETH units
		BlockNum string      `json:"blockNum"`
		Metadata struct {
			BlockTimestamp string `json:"blockTimestamp"`
		} `json:"metadata"`
	} `json:"transfers"`
}

// GetTransfers returns external and internal value transfers addressed to
// the given address within [fromBlock, toBlock]. Records the endpoint
// re-delivers across overlapping windows are returned as-is; callers
// deduplicate by transaction hash.
func (c *AlchemyClient) GetTransfers(ctx context.Context, address string, fromBlock, toBlock uint64) ([]ledger.Transfer, error) {
	params := []interface{}{map[string]interface{}{
		"fromBlock":    fmt.Sprintf("0x%x", fromBlock),
		"toBlock":      fmt.Sprintf("0x%x", toBlock),
		"toAddress":    address,
		"category":     []string{"external", "internal"},
		"withMetadata": true,
	}}

	var result assetTransfersResult
	if err := c.call(ctx, "alchemy_getAssetTransfers", params, &result); err != nil {
		return nil, err
	}

	transfers := make([]ledger.Transfer, 0, len(result.Transfers))
	for _, t := range result.Transfers {
		amount, err := decimal.NewFromString(t.Value.String())
		if err != nil {
			// Null or malformed values occur for some transfer categories.
			continue
		}
		blockNum, err := parseHexUint(t.BlockNum)
		if err != nil {
			continue
		}
		observedAt, _ := time.Parse(time.RFC3339, t.Metadata.BlockTimestamp)
		transfers = append(transfers, ledger.Transfer{
			TxHash:     t.Hash,
			From:       t.From,
			To:         t.To,
			Amount:     amount,
			BlockNum:   blockNum,
			ObservedAt: observedAt,
		})
	}
	return transfers, nil
}

func parseHexUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex quantity %q: %w", s, err)
	}
	return v, nil
}
