package storage

import (
	"testing"
)

func TestDocumentGetNestedAndIndexed(t *testing.T) {
	d := Document{
		"configurations": map[string]any{"allowPolicies": true},
		"recommendations": []any{
			map[string]any{"consents": []any{"c1", "c2"}},
		},
	}

	if got := d.Get("configurations.allowPolicies"); got != true {
		t.Errorf("nested get = %v", got)
	}
	if got := d.Get("recommendations.0.consents.1"); got != "c2" {
		t.Errorf("indexed get = %v", got)
	}
	if got := d.Get("recommendations.5.consents"); got != nil {
		t.Errorf("out-of-range get = %v, want nil", got)
	}
	if got := d.Get("missing.path"); got != nil {
		t.Errorf("missing get = %v, want nil", got)
	}
}

func TestDocumentSetCreatesIntermediates(t *testing.T) {
	d := Document{}
	d.Set("configurations.allowPolicies", false)

	if got := d.Get("configurations.allowPolicies"); got != false {
		t.Errorf("get after set = %v", got)
	}
}

func TestDocumentSetThroughArray(t *testing.T) {
	d := Document{"recommendations": []any{map[string]any{}}}
	d.Set("recommendations.0.consents", []any{"c1"})

	if got := d.Get("recommendations.0.consents.0"); got != "c1" {
		t.Errorf("get = %v", got)
	}
}

func TestDocumentPullValueEquality(t *testing.T) {
	d := Document{"recommendations": []any{
		map[string]any{"consents": []any{"c1", "c2", "c1"}},
	}}
	d.Pull("recommendations.0.consents", "c1")

	arr, _ := d.Get("recommendations.0.consents").([]any)
	if len(arr) != 1 || arr[0] != "c2" {
		t.Errorf("after pull = %v, want [c2]", arr)
	}
}

func TestValueEqualNormalizesNumbers(t *testing.T) {
	if !ValueEqual(1, float64(1)) {
		t.Error("int 1 and float64 1 must compare equal after normalization")
	}
	if ValueEqual("a", "b") {
		t.Error("distinct strings compared equal")
	}
}

func TestUpdatedFieldsDiff(t *testing.T) {
	rec := ChangeRecord{
		OldDoc: Document{"status": "pending", "ecosystem": "eco", "legacy": true},
		NewDoc: Document{"status": "signed", "ecosystem": "eco"},
	}
	updated, removed := rec.UpdatedFields()

	if updated["status"] != "signed" {
		t.Errorf("updated = %v", updated)
	}
	if _, ok := updated["ecosystem"]; ok {
		t.Error("unchanged field reported as updated")
	}
	if len(removed) != 1 || removed[0] != "legacy" {
		t.Errorf("removed = %v, want [legacy]", removed)
	}
}
