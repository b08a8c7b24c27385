package adapter

import "testing"

func TestRunninghubResolveModelTargetUsesDefault(t *testing.T) {
	r := NewRunninghub(RunninghubConfig{
		WebappID:  "default-webapp",
		NodeSlots: []RunninghubNodeSlot{{ParamKey: "prompt", NodeID: "1", FieldName: "text"}},
	})

	webappID, slots := r.resolveModelTarget("")
	if webappID != "default-webapp" || len(slots) != 1 {
		t.Fatalf("expected the default target for an empty model_id, got %q %v", webappID, slots)
	}

	webappID, slots = r.resolveModelTarget("unregistered-model")
	if webappID != "default-webapp" || len(slots) != 1 {
		t.Fatalf("expected the default target for an unregistered model_id, got %q %v", webappID, slots)
	}
}

func TestRunninghubResolveModelTargetPerModelOverride(t *testing.T) {
	r := NewRunninghub(RunninghubConfig{
		WebappID: "default-webapp",
		Models: map[string]RunninghubModelTarget{
			"sorapro": {
				WebappID:  "sorapro-webapp",
				NodeSlots: []RunninghubNodeSlot{{ParamKey: "imageUrl", NodeID: "3", FieldName: "image"}},
			},
			"veo": {
				WebappID: "veo-webapp",
			},
		},
	})

	webappID, slots := r.resolveModelTarget("sorapro")
	if webappID != "sorapro-webapp" || len(slots) != 1 || slots[0].NodeID != "3" {
		t.Fatalf("expected sorapro's own webapp/node-slots, got %q %v", webappID, slots)
	}

	webappID, _ = r.resolveModelTarget("veo")
	if webappID != "veo-webapp" {
		t.Fatalf("expected veo's own webapp, got %q", webappID)
	}
}
