package stt

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/maswadkar/krishi/server/domain/repositories"
)

const defaultLanguage = "hi-IN"

// GoogleSpeechToText implements SpeechToText for Google Cloud. Voice notes
// are short, so the synchronous Recognize API is enough.
type GoogleSpeechToText struct{}

// TranscribeAudio converts a complete voice note to text.
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	client, err := speech.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create speech client: %w", err)
	}
	defer client.Close()

	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return "", err
	}

	language := config.Language
	if language == "" {
		language = defaultLanguage
	}

	resp, err := client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        encoding,
			SampleRateHertz: int32(config.SampleRate),
			LanguageCode:    language,
			// Farmers mix languages mid-sentence; let Google pick among the
			// common ones.
			AlternativeLanguageCodes: []string{"en-IN", "mr-IN", "te-IN", "ta-IN", "kn-IN"},
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audioData},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}

	var transcript string
	for _, result := range resp.Results {
		if len(result.Alternatives) > 0 {
			transcript += result.Alternatives[0].Transcript
		}
	}
	if transcript == "" {
		return "", fmt.Errorf("no speech detected in audio")
	}

	return transcript, nil
}

// getAudioEncoding converts an encoding name to the Speech API enum.
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "LINEAR16", "linear16", "":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC", "flac":
		return speechpb.RecognitionConfig_FLAC, nil
	case "OGG_OPUS", "ogg_opus":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS", "webm_opus":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported audio encoding: %s", encoding)
	}
}
