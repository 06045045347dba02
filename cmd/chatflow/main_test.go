package main

import "testing"

func TestBuildLocalOTP(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	if svc := buildLocalOTP(); svc != nil {
		t.Fatal("expected no OTP service without Twilio credentials")
	}

	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550001111")
	t.Setenv("CHATFLOW_OTP_CHANNEL", "WhatsApp")
	if svc := buildLocalOTP(); svc == nil {
		t.Fatal("expected an OTP service with Twilio credentials set")
	}
}
