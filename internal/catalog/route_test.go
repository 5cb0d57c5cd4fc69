package catalog

import "testing"

func TestShardDecisionTargets(t *testing.T) {
	tests := []struct {
		name string
		d    ShardDecision
		want []int
	}{
		{"direct", Direct(2), []int{2}},
		{"multi", Multi([]int{0, 3}), []int{0, 3}},
		{"all", All(), []int{0, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.d.Targets(4)
			if len(got) != len(tt.want) {
				t.Fatalf("Targets() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Targets() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestIsMultiShard(t *testing.T) {
	if Direct(0).IsMultiShard(4) {
		t.Error("Direct should not be multi-shard")
	}
	if !All().IsMultiShard(4) {
		t.Error("All over 4 shards should be multi-shard")
	}
	if !Multi([]int{1, 2}).IsMultiShard(4) {
		t.Error("Multi with 2 shards should be multi-shard")
	}
}

func TestRouteNeedsMerge(t *testing.T) {
	r := Route{}
	if r.NeedsMerge() {
		t.Error("bare route should not need merge")
	}

	r.OrderBy = []OrderKey{{Column: "id"}}
	if !r.NeedsMerge() {
		t.Error("route with ORDER BY should need merge")
	}
}
