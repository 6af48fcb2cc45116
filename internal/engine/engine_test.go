package engine

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tr069acs/internal/models"
	"tr069acs/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func informBody(oui, productClass, serial string, params map[string]string) []byte {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
  <soap:Body>
    <cwmp:Inform>
      <DeviceId>
        <Manufacturer>Acme</Manufacturer>
        <OUI>` + oui + `</OUI>
        <ProductClass>` + productClass + `</ProductClass>
        <SerialNumber>` + serial + `</SerialNumber>
      </DeviceId>
      <Event><EventStruct><EventCode>2 PERIODIC</EventCode></EventStruct></Event>
      <ParameterList>`)
	for name, value := range params {
		sb.WriteString(`<ParameterValueStruct><Name>` + name + `</Name><Value>` + value + `</Value></ParameterValueStruct>`)
	}
	sb.WriteString(`</ParameterList>
    </cwmp:Inform>
  </soap:Body>
</soap:Envelope>`)
	return []byte(sb.String())
}

func TestFirstContactInform(t *testing.T) {
	e, s := newTestEngine(t)
	body := informBody("ABCDEF", "TestRouter", "TEST123456", map[string]string{
		"Device.DeviceInfo.SoftwareVersion": "1.0.0",
	})

	disp := e.Handle(body, "192.0.2.10")
	if disp.Status != 200 {
		t.Fatalf("Status = %d, want 200", disp.Status)
	}
	if !strings.Contains(string(disp.Body), "<cwmp:InformResponse><MaxEnvelopes>1</MaxEnvelopes>") {
		t.Fatalf("unexpected body: %s", disp.Body)
	}

	device, err := s.GetDevice("ABCDEF-TestRouter-TEST123456")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if !device.Online || device.SoftwareVersion != "1.0.0" {
		t.Fatalf("unexpected device: %+v", device)
	}
}

func TestQueuedRebootDispatchesThenStaysQuiet(t *testing.T) {
	e, s := newTestEngine(t)
	body := informBody("ABCDEF", "TestRouter", "TEST123456", nil)
	e.Handle(body, "192.0.2.10")

	deviceID := "ABCDEF-TestRouter-TEST123456"
	if _, err := s.CreateTask(deviceID, models.TaskReboot, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	disp := e.Handle(body, "192.0.2.10")
	if !strings.Contains(string(disp.Body), "<cwmp:Reboot>") || !strings.Contains(string(disp.Body), "reboot_") {
		t.Fatalf("expected Reboot RPC, got: %s", disp.Body)
	}

	sent, err := s.HasSentTask(deviceID)
	if err != nil || !sent {
		t.Fatalf("task not sent: sent=%v err=%v", sent, err)
	}

	// A second Inform while the reboot is still sent must not dispatch again.
	disp2 := e.Handle(body, "192.0.2.10")
	if !strings.Contains(string(disp2.Body), "InformResponse") {
		t.Fatalf("expected InformResponse while task still sent, got: %s", disp2.Body)
	}
}

func TestSecondQueuedTaskWaitsForFirstToResolve(t *testing.T) {
	e, s := newTestEngine(t)
	body := informBody("ABCDEF", "TestRouter", "TEST123456", nil)
	e.Handle(body, "192.0.2.10")

	deviceID := "ABCDEF-TestRouter-TEST123456"
	if _, err := s.CreateTask(deviceID, models.TaskReboot, nil); err != nil {
		t.Fatalf("CreateTask reboot: %v", err)
	}
	payload, _ := json.Marshal(models.GetParamsPayload{Names: []string{"Device.DeviceInfo.SoftwareVersion"}})
	if _, err := s.CreateTask(deviceID, models.TaskGetParams, payload); err != nil {
		t.Fatalf("CreateTask get_params: %v", err)
	}

	disp := e.Handle(body, "192.0.2.10")
	if !strings.Contains(string(disp.Body), "<cwmp:Reboot>") {
		t.Fatalf("expected first Inform to dispatch the reboot task, got: %s", disp.Body)
	}

	// A second Inform must not dispatch the still-pending get_params task
	// while the reboot is still sent: at most one task per device may be
	// in the sent state at a time.
	disp2 := e.Handle(body, "192.0.2.10")
	if !strings.Contains(string(disp2.Body), "InformResponse") {
		t.Fatalf("expected InformResponse while reboot still sent, got: %s", disp2.Body)
	}

	tasks, err := s.ListTasks(deviceID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	sentCount := 0
	for _, task := range tasks {
		if task.Status == models.TaskSent {
			sentCount++
		}
	}
	if sentCount != 1 {
		t.Fatalf("expected exactly 1 task in sent status, got %d", sentCount)
	}
}

func TestGetParameterValuesFlow(t *testing.T) {
	e, s := newTestEngine(t)
	body := informBody("ABCDEF", "TestRouter", "TEST123456", nil)
	e.Handle(body, "192.0.2.10")

	deviceID := "ABCDEF-TestRouter-TEST123456"
	payload, _ := json.Marshal(models.GetParamsPayload{Names: []string{"Device.DeviceInfo.SoftwareVersion"}})
	if _, err := s.CreateTask(deviceID, models.TaskGetParams, payload); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	disp := e.Handle(body, "192.0.2.10")
	s1 := string(disp.Body)
	if !strings.Contains(s1, "<cwmp:GetParameterValues>") || !strings.Contains(s1, `xsd:string[1]`) {
		t.Fatalf("expected GetParameterValues RPC: %s", s1)
	}

	responseBody := []byte(`<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
  <soap:Body>
    <cwmp:GetParameterValuesResponse>
      <ParameterList>
        <ParameterValueStruct><Name>Device.DeviceInfo.SoftwareVersion</Name><Value>2.0.0</Value></ParameterValueStruct>
      </ParameterList>
    </cwmp:GetParameterValuesResponse>
  </soap:Body>
</soap:Envelope>`)
	e.Handle(responseBody, "192.0.2.10")

	tasks, err := s.ListTasks(deviceID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != models.TaskCompleted {
		t.Fatalf("expected completed task: %+v", tasks)
	}

	params, err := s.ListParameters(deviceID)
	if err != nil {
		t.Fatalf("ListParameters: %v", err)
	}
	found := false
	for _, p := range params {
		if p.Name == "Device.DeviceInfo.SoftwareVersion" && p.Value == "2.0.0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("GetParameterValuesResponse was not merged into parameters: %+v", params)
	}
}

func TestSetParameterValuesEncoding(t *testing.T) {
	e, s := newTestEngine(t)
	body := informBody("ABCDEF", "TestRouter", "TEST123456", nil)
	e.Handle(body, "192.0.2.10")

	deviceID := "ABCDEF-TestRouter-TEST123456"
	payload, _ := json.Marshal(models.SetParamsPayload{
		Values: []models.ParamKV{{Name: "InternetGatewayDevice.ManagementServer.PeriodicInformInterval", Value: "60"}},
	})
	if _, err := s.CreateTask(deviceID, models.TaskSetParams, payload); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	disp := e.Handle(body, "192.0.2.10")
	s1 := string(disp.Body)
	if !strings.Contains(s1, `xsi:type="xsd:string"`) || !strings.Contains(s1, "<ParameterKey></ParameterKey>") {
		t.Fatalf("unexpected SetParameterValues body: %s", s1)
	}
}

func TestMalformedEnvelopeReturns400(t *testing.T) {
	e, _ := newTestEngine(t)
	disp := e.Handle([]byte("not xml"), "192.0.2.10")
	if disp.Status != 400 {
		t.Fatalf("Status = %d, want 400", disp.Status)
	}
}

func TestOfflineSweep(t *testing.T) {
	e, s := newTestEngine(t)
	body := informBody("ABCDEF", "TestRouter", "TEST123456", nil)
	e.Handle(body, "192.0.2.10")

	deviceID := "ABCDEF-TestRouter-TEST123456"
	before, err := s.GetDevice(deviceID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}

	ids, err := s.SweepOffline(time.Now().UTC().Add(1 * time.Hour))
	if err != nil {
		t.Fatalf("SweepOffline: %v", err)
	}
	if len(ids) != 1 || ids[0] != deviceID {
		t.Fatalf("SweepOffline affected %v, want [%s]", ids, deviceID)
	}

	after, err := s.GetDevice(deviceID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if after.Online {
		t.Fatal("expected device offline after sweep")
	}
	if !after.LastInform.Equal(before.LastInform) {
		t.Fatalf("sweep must not touch last_inform: before=%v after=%v", before.LastInform, after.LastInform)
	}
}
