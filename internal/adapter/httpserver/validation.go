package httpserver

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// admissionRequestBody is the wire shape for POST /v1/jobs, validated with
// go-playground/validator/v10 struct tags.
type admissionRequestBody struct {
	SourceBlob     string `json:"sourceBlob" validate:"required"`
	OverrideScript string `json:"overrideScript" validate:"omitempty,max=200000"`
	// OverrideScriptBlob names a blob holding a PDF/DOCX script upload;
	// mutually exclusive with OverrideScript in practice, but both may
	// be sent, in which case the extracted text wins once Ingest runs.
	OverrideScriptBlob    string  `json:"overrideScriptBlob" validate:"omitempty,max=512"`
	TargetDurationMinutes float64 `json:"targetDurationMinutes" validate:"omitempty,gt=0"`
	SeriesID              string  `json:"seriesId" validate:"omitempty,alphanumdash,max=64"`
	CharacterGuide        string  `json:"characterGuide" validate:"omitempty,max=20000"`
	Features              struct {
		ShortClipMode     bool `json:"shortClipMode"`
		AISegmentMatching bool `json:"aiSegmentMatching"`
	} `json:"features"`
}

func init() {
	_ = getValidator().RegisterValidation("alphanumdash", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		for _, r := range s {
			if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
				return false
			}
		}
		return true
	})
}

// validationDetails turns validator.ValidationErrors into a flat
// field->tag map suitable for the API error envelope's Details field.
func validationDetails(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			out[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return out
}
