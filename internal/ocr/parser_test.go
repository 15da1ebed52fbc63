package ocr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestKeywordParser_Parse_SampleText(t *testing.T) {
	order := NewKeywordParser().Parse(SampleText)

	if order.VisitDate != "114.06.12" {
		t.Errorf("VisitDate = %q, want %q", order.VisitDate, "114.06.12")
	}
	if order.DaysSupply != 3 {
		t.Errorf("DaysSupply = %d, want 3", order.DaysSupply)
	}
	if len(order.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(order.Items))
	}

	first := order.Items[0]
	if first.Name != "普拿疼" || first.Dosage != "2" || first.FrequencyCode != "TID" || first.Purpose != "止痛" {
		t.Errorf("Items[0] = %+v", first)
	}
	if want := []string{"08:00", "14:00", "20:00"}; !reflect.DeepEqual(first.Times, want) {
		t.Errorf("Items[0].Times = %v, want %v", first.Times, want)
	}

	second := order.Items[1]
	if second.Purpose != "治療高血壓" || second.SideEffects != "嘔吐 頭暈" {
		t.Errorf("Items[1] purpose/side effects = %q / %q", second.Purpose, second.SideEffects)
	}
}

func TestKeywordParser_Parse_AsNeededHasNoTimes(t *testing.T) {
	for _, freq := range []string{"需要時", "需要時服用"} {
		t.Run(freq, func(t *testing.T) {
			text := "藥品名稱 單次劑量 用藥頻率\n止痛藥 1 " + freq + " 頭痛"
			order := NewKeywordParser().Parse(text)
			if len(order.Items) != 1 {
				t.Fatalf("len(Items) = %d, want 1", len(order.Items))
			}
			item := order.Items[0]
			if !item.AsNeeded() {
				t.Errorf("AsNeeded() = false, want true (code=%q)", item.FrequencyCode)
			}
			if len(item.Times) != 0 {
				t.Errorf("Times = %v, want empty", item.Times)
			}
			if item.Resolved() {
				t.Error("頓服薬は Resolved() = false であるべき")
			}
		})
	}
}

func TestKeywordParser_Parse_FrequencyTable(t *testing.T) {
	tests := []struct {
		freq     string
		wantCode string
		want     []string
	}{
		{"一日一次", "QD", []string{"09:00"}},
		{"一日兩次", "BID", []string{"09:00", "18:00"}},
		{"一日四次", "QID", []string{"08:00", "12:00", "18:00", "22:00"}},
		{"睡前", "HS", []string{"22:00"}},
		{"飯後", "TID", []string{"08:30", "12:30", "18:30"}},
		{"飯前", "TID", []string{"07:30", "11:30", "17:30"}},
	}
	p := NewKeywordParser()
	for _, tt := range tests {
		t.Run(tt.freq, func(t *testing.T) {
			order := p.Parse("胃藥 1 " + tt.freq)
			if len(order.Items) != 1 {
				t.Fatalf("len(Items) = %d, want 1", len(order.Items))
			}
			if order.Items[0].FrequencyCode != tt.wantCode {
				t.Errorf("FrequencyCode = %q, want %q", order.Items[0].FrequencyCode, tt.wantCode)
			}
			if !reflect.DeepEqual(order.Items[0].Times, tt.want) {
				t.Errorf("Times = %v, want %v", order.Items[0].Times, tt.want)
			}
		})
	}
}

func TestKeywordParser_Parse_UnknownFrequencyIsUnresolved(t *testing.T) {
	order := NewKeywordParser().Parse("胃藥 1 隔日一次")
	if len(order.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(order.Items))
	}
	if order.Items[0].Resolved() {
		t.Errorf("未知の頻度は Resolved() = false であるべき: %+v", order.Items[0])
	}
}

func TestKeywordParser_Parse_DetachedUnit(t *testing.T) {
	order := NewKeywordParser().Parse("降血糖 1 錠 一日兩次 控制血糖 腹瀉")
	if len(order.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(order.Items))
	}
	item := order.Items[0]
	if item.Dosage != "1 錠" || item.FrequencyCode != "BID" || item.Purpose != "控制血糖" || item.SideEffects != "腹瀉" {
		t.Errorf("item = %+v", item)
	}
}

func TestStubRecognizer_RejectsEmptyImage(t *testing.T) {
	if _, err := NewStubRecognizer().Recognize(context.Background(), nil); err == nil {
		t.Error("空の画像はエラーになるべき")
	}
}

func TestHTTPRecognizer_Recognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/octet-stream" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		w.Write([]byte(`{"text":"普拿疼 1 一日一次"}`))
	}))
	defer srv.Close()

	rec := NewHTTPRecognizer(srv.URL, srv.Client(), 1024)
	got, err := rec.Recognize(context.Background(), []byte{0xff, 0xd8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "普拿疼 1 一日一次" {
		t.Errorf("text = %q", got)
	}
}

func TestHTTPRecognizer_RejectsOversizedImage(t *testing.T) {
	rec := NewHTTPRecognizer("http://example.invalid", http.DefaultClient, 2)
	if _, err := rec.Recognize(context.Background(), []byte{1, 2, 3}); err == nil {
		t.Error("上限超過の画像はエラーになるべき")
	}
}

func TestHTTPRecognizer_Non200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := NewHTTPRecognizer(srv.URL, srv.Client(), 0)
	if _, err := rec.Recognize(context.Background(), []byte{1}); err == nil {
		t.Error("非200レスポンスはエラーになるべき")
	}
}
