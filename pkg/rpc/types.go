package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding is the wire form of a program.
type Encoding string

const (
	// EncodingAsm is the text form, one instruction per line.
	EncodingAsm Encoding = "asm"

	// The binary encodings carry the canonical program encoding.
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// ProgramConfig is the optional second parameter of run, repair and analyze.
type ProgramConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// RecordConfig is the optional second parameter of getRecord.
type RecordConfig struct {
	// Encoding selects the form of the returned program.
	Encoding Encoding `json:"encoding,omitempty"`
}

// RunResult is the outcome of a direct run.
type RunResult struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
	Acc    int64  `json:"acc"`
	PC     int64  `json:"pc"`
	Steps  uint64 `json:"steps"`
}

// RepairResult describes an accepted repair.
type RepairResult struct {
	Hash   string `json:"hash,omitempty"`
	PC     int    `json:"pc"`
	From   string `json:"from"`
	To     string `json:"to"`
	Acc    int64  `json:"acc"`
	Steps  uint64 `json:"steps"`
	Trials int    `json:"trials"`
}

// AnalysisResult is the response to analyze.
type AnalysisResult struct {
	Hash        string        `json:"hash"`
	Run         RunResult     `json:"run"`
	Repair      *RepairResult `json:"repair"`
	RepairError string        `json:"repairError,omitempty"`
	Cached      bool          `json:"cached"`
}

// RecordResult is the response to getRecord.
type RecordResult struct {
	AnalysisResult
	Program  string   `json:"program"`
	Encoding Encoding `json:"encoding"`
	Length   int      `json:"length"`
}

// StatsResult is the response to getStats.
type StatsResult struct {
	Analyses  uint64 `json:"analyses"`
	CacheHits uint64 `json:"cacheHits"`
	Repairs   uint64 `json:"repairs"`
	NoRepairs uint64 `json:"noRepairs"`
}

// VersionInfo is the response to getVersion.
type VersionInfo struct {
	Handheld string `json:"handheld"`
}
