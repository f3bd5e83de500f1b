package openaicompat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	conduit "github.com/conduitdev/conduit"
)

// promptOf extracts the text of the trailing user message.
func promptOf(req *conduit.GenerationRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if u, ok := req.Messages[i].(*conduit.UserMessage); ok {
			return conduit.TextOf(u)
		}
	}
	return ""
}

// generateImage calls the images/generations endpoint and normalizes the
// reply into AssistantMessage.Images.
func (a *Adapter) generateImage(ctx context.Context, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	body := ImageRequest{Model: a.model, Prompt: promptOf(req)}
	if v, ok := req.Params.ClientParams["size"].(string); ok {
		body.Size = v
	}
	if v, ok := req.Params.ClientParams["response_format"].(string); ok {
		body.ResponseFormat = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "%s: marshal image request", a.name)
	}
	resp, err := a.post(ctx, "/images/generations", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, a.httpErr(resp)
	}
	var imgResp ImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imgResp); err != nil {
		return nil, conduit.WrapErr(conduit.KindUpstream, err, "%s: decode image response", a.name)
	}
	if len(imgResp.Data) == 0 {
		return nil, conduit.E(conduit.KindContentRefused, "%s: image generation returned no images", a.name)
	}
	msg := conduit.NewAssistantMessage("")
	for _, d := range imgResp.Data {
		msg.Images = append(msg.Images, conduit.ImageOutput{
			URL:           d.URL,
			B64JSON:       d.B64JSON,
			RevisedPrompt: d.RevisedPrompt,
		})
	}
	return &conduit.GenerationResponse{
		Message:  msg,
		Metadata: conduit.ResponseMetadata{ModelSlug: a.model, StopReason: conduit.StopReasonStop},
	}, nil
}

// generateSpeech calls the audio/speech (TTS) endpoint. The raw audio reply
// is base64-encoded into the message content and mirrored in Audio.
func (a *Adapter) generateSpeech(ctx context.Context, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	body := SpeechRequest{Model: a.model, Input: promptOf(req), Voice: "alloy", ResponseFormat: "mp3"}
	if v, ok := req.Params.ClientParams["voice"].(string); ok {
		body.Voice = v
	}
	if v, ok := req.Params.ClientParams["response_format"].(string); ok {
		body.ResponseFormat = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "%s: marshal speech request", a.name)
	}
	resp, err := a.post(ctx, "/audio/speech", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, a.httpErr(resp)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindNetwork, err, "%s: read audio response", a.name)
	}
	encoded := base64.StdEncoding.EncodeToString(audio)
	msg := conduit.NewAssistantMessage(encoded)
	msg.Audio = &conduit.AudioOutput{Data: encoded, Format: body.ResponseFormat}
	return &conduit.GenerationResponse{
		Message:  msg,
		Metadata: conduit.ResponseMetadata{ModelSlug: a.model, StopReason: conduit.StopReasonStop},
	}, nil
}

// transcribe posts the audio block of the trailing user message to the
// audio/transcriptions endpoint as a multipart upload.
func (a *Adapter) transcribe(ctx context.Context, req *conduit.GenerationRequest) (*conduit.GenerationResponse, error) {
	block, err := audioBlockOf(req)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(block.Data)
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "%s: decode audio block", a.name)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "audio."+block.Format)
	if err == nil {
		_, err = part.Write(data)
	}
	if err == nil {
		err = w.WriteField("model", a.model)
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		return nil, conduit.WrapErr(conduit.KindValidation, err, "%s: build transcription upload", a.name)
	}

	resp, err := a.post(ctx, "/audio/transcriptions", w.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, a.httpErr(resp)
	}
	var tr TranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, conduit.WrapErr(conduit.KindUpstream, err, "%s: decode transcription response", a.name)
	}
	return &conduit.GenerationResponse{
		Message:  conduit.NewAssistantMessage(tr.Text),
		Metadata: conduit.ResponseMetadata{ModelSlug: a.model, StopReason: conduit.StopReasonStop},
	}, nil
}

// audioBlockOf finds the audio block in the trailing user message.
func audioBlockOf(req *conduit.GenerationRequest) (conduit.AudioBlock, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		u, ok := req.Messages[i].(*conduit.UserMessage)
		if !ok {
			continue
		}
		for _, b := range u.Blocks {
			if ab, ok := b.(conduit.AudioBlock); ok {
				return ab, nil
			}
		}
	}
	return conduit.AudioBlock{}, conduit.E(conduit.KindValidation, "transcription request carries no audio block")
}
