package attestation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"tubekeeper/internal/domain"
)

const (
	AttestationType = "Web2Json"
	SourceID        = "PublicWeb2"
)

const (
	viewCountJq = `{videoId: .videoId, viewCount: .viewCount}`
	etagJq      = `{videoId: .videoId, etag: .etag}`

	viewCountSignature = `{"components": [{"internalType": "string", "name": "videoId", "type": "string"},{"internalType": "uint256", "name": "viewCount", "type": "uint256"}],"name": "task","type": "tuple"}`
	etagSignature      = `{"components": [{"internalType": "string", "name": "videoId", "type": "string"},{"internalType": "string", "name": "etag", "type": "string"}],"name": "task","type": "tuple"}`
)

// RequestBody is the Web2Json request the verifier encodes.
type RequestBody struct {
	URL           string `json:"url"`
	HTTPMethod    string `json:"httpMethod"`
	Headers       string `json:"headers"`
	QueryParams   string `json:"queryParams"`
	Body          string `json:"body"`
	PostProcessJq string `json:"postProcessJq"`
	AbiSignature  string `json:"abiSignature"`
}

// BuildRequest selects the post-processing expression and ABI shape for a
// fact kind. It performs no I/O.
func BuildRequest(kind domain.CheckKind, sourceURL, videoID string) (RequestBody, error) {
	params, err := json.Marshal(map[string]string{"videoId": videoID})
	if err != nil {
		return RequestBody{}, err
	}
	body := RequestBody{
		URL:         sourceURL,
		HTTPMethod:  "GET",
		Headers:     "{}",
		QueryParams: string(params),
		Body:        "{}",
	}
	switch kind {
	case domain.CheckViewCount:
		body.PostProcessJq = viewCountJq
		body.AbiSignature = viewCountSignature
	case domain.CheckTamperProbe:
		body.PostProcessJq = etagJq
		body.AbiSignature = etagSignature
	default:
		return RequestBody{}, fmt.Errorf("unknown fact kind %q", kind)
	}
	return body, nil
}

// hex32 right-pads the UTF-8 name to 32 bytes.
func hex32(name string) string {
	var buf [32]byte
	copy(buf[:], name)
	return "0x" + hex.EncodeToString(buf[:])
}
