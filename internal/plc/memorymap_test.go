package plc

import "testing"

func TestUnpackControlBits(t *testing.T) {
	b := byte(1<<bitStart | 1<<bitEStop)
	got := unpackControlBits(b)
	if !got.Start || !got.EStop {
		t.Fatalf("expected Start and EStop set, got %+v", got)
	}
	if got.Stop || got.Home || got.Suction || got.Ready || got.Busy || got.Error {
		t.Fatalf("expected all other bits clear, got %+v", got)
	}
}

func TestApplyControlPatchOnlyTouchesPresentFields(t *testing.T) {
	initial := byte(1 << bitReady)
	patch := ControlBitsPatch{Start: Bool(true)}
	got := applyControlPatch(initial, patch)

	if got&(1<<bitStart) == 0 {
		t.Fatal("expected start bit to be set")
	}
	if got&(1<<bitReady) == 0 {
		t.Fatal("expected ready bit to remain set, untouched by the sparse patch")
	}
	if got&(1<<bitStop) != 0 {
		t.Fatal("expected stop bit to remain clear")
	}
}

func TestApplyControlPatchClearsBit(t *testing.T) {
	initial := byte(1<<bitStart | 1<<bitBusy)
	patch := ControlBitsPatch{Start: Bool(false)}
	got := applyControlPatch(initial, patch)

	if got&(1<<bitStart) != 0 {
		t.Fatal("expected start bit to be cleared")
	}
	if got&(1<<bitBusy) == 0 {
		t.Fatal("expected busy bit to remain set")
	}
}
