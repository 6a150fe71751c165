package httpserver

import "testing"

func TestValidateAdmissionRequestRequiresSourceBlob(t *testing.T) {
	body := admissionRequestBody{}
	err := getValidator().Struct(body)
	if err == nil {
		t.Fatal("expected validation to fail when sourceBlob is missing")
	}
	details := validationDetails(err)
	if tag, ok := details["sourceblob"]; !ok || tag != "required" {
		t.Fatalf("expected sourceblob:required in details, got %+v", details)
	}
}

func TestValidateAdmissionRequestAcceptsMinimalBody(t *testing.T) {
	body := admissionRequestBody{SourceBlob: "blob-1"}
	if err := getValidator().Struct(body); err != nil {
		t.Fatalf("expected a minimal valid body to pass, got %v", err)
	}
}

func TestValidateAdmissionRequestRejectsNonPositiveTargetDuration(t *testing.T) {
	body := admissionRequestBody{SourceBlob: "blob-1", TargetDurationMinutes: -5}
	err := getValidator().Struct(body)
	if err == nil {
		t.Fatal("expected validation to reject a negative targetDurationMinutes")
	}
	details := validationDetails(err)
	if tag := details["targetdurationminutes"]; tag != "gt" {
		t.Fatalf("expected targetdurationminutes:gt, got %+v", details)
	}
}

func TestValidateAdmissionRequestRejectsNonAlphanumdashSeriesID(t *testing.T) {
	body := admissionRequestBody{SourceBlob: "blob-1", SeriesID: "bad series!"}
	err := getValidator().Struct(body)
	if err == nil {
		t.Fatal("expected validation to reject a seriesId with spaces/punctuation")
	}
}

func TestValidateAdmissionRequestAcceptsAlphanumdashSeriesID(t *testing.T) {
	body := admissionRequestBody{SourceBlob: "blob-1", SeriesID: "series-42"}
	if err := getValidator().Struct(body); err != nil {
		t.Fatalf("expected a valid seriesId to pass, got %v", err)
	}
}

func TestValidationDetailsEmptyForNonValidationError(t *testing.T) {
	details := validationDetails(nil)
	if len(details) != 0 {
		t.Fatalf("expected an empty map for a nil error, got %+v", details)
	}
}
