// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package crosstalk_test

import (
	"context"
	"testing"

	"github.com/creachadair/crosstalk/bridge"
)

func BenchmarkCall(b *testing.B) {
	loc, err := bridge.NewLocal(mathSchema(), nil)
	if err != nil {
		b.Fatalf("NewLocal: unexpected error: %v", err)
	}
	defer loc.Stop()
	ctx := context.Background()

	b.Run("Sequential", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := loc.Guest.Remote().Call(ctx, "math.add", 2, 3); err != nil {
				b.Fatalf("Call: unexpected error: %v", err)
			}
		}
	})

	b.Run("Parallel", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := loc.Guest.Remote().Call(ctx, "math.add", 2, 3); err != nil {
					b.Fatalf("Call: unexpected error: %v", err)
				}
			}
		})
	})
}
