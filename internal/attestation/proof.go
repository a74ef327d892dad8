package attestation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"tubekeeper/internal/domain"
	"tubekeeper/internal/evm"
)

// Web2Json proof types. Field order follows the Solidity structs and abi tags
// carry the Solidity names so values pack into contract calls directly.
type (
	ContractProof struct {
		MerkleProof [][32]byte `abi:"merkleProof"`
		Data        Response   `abi:"data"`
	}

	Response struct {
		AttestationType     [32]byte     `abi:"attestationType"`
		SourceID            [32]byte     `abi:"sourceId"`
		VotingRound         uint64       `abi:"votingRound"`
		LowestUsedTimestamp uint64       `abi:"lowestUsedTimestamp"`
		RequestBody         ProofRequest `abi:"requestBody"`
		ResponseBody        ResponseBody `abi:"responseBody"`
	}

	ProofRequest struct {
		URL           string `abi:"url"`
		HTTPMethod    string `abi:"httpMethod"`
		Headers       string `abi:"headers"`
		QueryParams   string `abi:"queryParams"`
		Body          string `abi:"body"`
		PostProcessJq string `abi:"postProcessJq"`
		AbiSignature  string `abi:"abiSignature"`
	}

	ResponseBody struct {
		AbiEncodedData []byte `abi:"abiEncodedData"`
	}
)

// Fact is the value the attestation proved.
type Fact struct {
	VideoID   string
	ViewCount uint64
	Etag      string
}

// ProofTupleJSON is the Web2Json Proof parameter as an ABI JSON fragment.
const ProofTupleJSON = `{"name":"_proof","type":"tuple","components":[
{"name":"merkleProof","type":"bytes32[]"},
{"name":"data","type":"tuple","components":[
 {"name":"attestationType","type":"bytes32"},
 {"name":"sourceId","type":"bytes32"},
 {"name":"votingRound","type":"uint64"},
 {"name":"lowestUsedTimestamp","type":"uint64"},
 {"name":"requestBody","type":"tuple","components":[
  {"name":"url","type":"string"},
  {"name":"httpMethod","type":"string"},
  {"name":"headers","type":"string"},
  {"name":"queryParams","type":"string"},
  {"name":"body","type":"string"},
  {"name":"postProcessJq","type":"string"},
  {"name":"abiSignature","type":"string"}]},
 {"name":"responseBody","type":"tuple","components":[{"name":"abiEncodedData","type":"bytes"}]}]}]}`

const verificationABI = `[{"type":"function","name":"verifyWeb2Json","stateMutability":"view","inputs":[` + ProofTupleJSON + `],
"outputs":[{"name":"_proving","type":"bool"}]}]`

var (
	proofType    abi.Type
	responseType abi.Type
	viewCountTy  abi.Type
	etagTy       abi.Type
)

func init() {
	parsed := evm.MustParseABI(verificationABI)
	proofType = parsed.Methods["verifyWeb2Json"].Inputs[0].Type
	responseType = *proofType.TupleElems[1]

	var err error
	viewCountTy, err = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "videoId", Type: "string"},
		{Name: "viewCount", Type: "uint256"},
	})
	if err != nil {
		panic(err)
	}
	etagTy, err = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "videoId", Type: "string"},
		{Name: "etag", Type: "string"},
	})
	if err != nil {
		panic(err)
	}
}

// DecodeProof turns the DA layer payload into the ledger claim argument.
func DecodeProof(p Proof) (ContractProof, error) {
	raw, err := hexutil.Decode(p.ResponseHex)
	if err != nil {
		return ContractProof{}, fmt.Errorf("response_hex: %w", err)
	}
	values, err := abi.Arguments{{Type: responseType}}.Unpack(raw)
	if err != nil {
		return ContractProof{}, fmt.Errorf("decode response: %w", err)
	}
	if len(values) != 1 {
		return ContractProof{}, fmt.Errorf("decode response: %d values", len(values))
	}
	out := ContractProof{
		Data:        *abi.ConvertType(values[0], new(Response)).(*Response),
		MerkleProof: make([][32]byte, 0, len(p.Proof)),
	}
	for i, node := range p.Proof {
		b, err := hexutil.Decode(node)
		if err != nil || len(b) != 32 {
			return ContractProof{}, fmt.Errorf("merkle node %d invalid", i)
		}
		var h [32]byte
		copy(h[:], b)
		out.MerkleProof = append(out.MerkleProof, h)
	}
	return out, nil
}

// EncodeResponse ABI-encodes a response the way the DA layer serves it.
func EncodeResponse(r Response) ([]byte, error) {
	return abi.Arguments{{Type: responseType}}.Pack(r)
}

// ProvenFact decodes abiEncodedData for the given fact kind.
func (p ContractProof) ProvenFact(kind domain.CheckKind) (Fact, error) {
	data := p.Data.ResponseBody.AbiEncodedData
	switch kind {
	case domain.CheckViewCount:
		values, err := abi.Arguments{{Type: viewCountTy}}.Unpack(data)
		if err != nil {
			return Fact{}, fmt.Errorf("decode view count: %w", err)
		}
		v := *abi.ConvertType(values[0], new(struct {
			VideoID   string
			ViewCount *big.Int
		})).(*struct {
			VideoID   string
			ViewCount *big.Int
		})
		if !v.ViewCount.IsUint64() {
			return Fact{}, fmt.Errorf("view count overflows uint64")
		}
		return Fact{VideoID: v.VideoID, ViewCount: v.ViewCount.Uint64()}, nil
	case domain.CheckTamperProbe:
		values, err := abi.Arguments{{Type: etagTy}}.Unpack(data)
		if err != nil {
			return Fact{}, fmt.Errorf("decode etag: %w", err)
		}
		v := *abi.ConvertType(values[0], new(struct {
			VideoID string
			Etag    string
		})).(*struct {
			VideoID string
			Etag    string
		})
		return Fact{VideoID: v.VideoID, Etag: v.Etag}, nil
	default:
		return Fact{}, fmt.Errorf("unknown fact kind %q", kind)
	}
}

// EncodeFact ABI-encodes a fact as abiEncodedData.
func EncodeFact(kind domain.CheckKind, f Fact) ([]byte, error) {
	switch kind {
	case domain.CheckViewCount:
		return abi.Arguments{{Type: viewCountTy}}.Pack(struct {
			VideoID   string `abi:"videoId"`
			ViewCount *big.Int
		}{f.VideoID, new(big.Int).SetUint64(f.ViewCount)})
	case domain.CheckTamperProbe:
		return abi.Arguments{{Type: etagTy}}.Pack(struct {
			VideoID string `abi:"videoId"`
			Etag    string
		}{f.VideoID, f.Etag})
	default:
		return nil, fmt.Errorf("unknown fact kind %q", kind)
	}
}
