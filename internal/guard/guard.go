// Package guard evaluates a failover plan against Rego policy before any step
// runs. Every message in data.nsgswap.deny blocks the plan.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/nsgswap/internal/failover"
)

const query = "data.nsgswap.deny"

// DefaultPolicy rejects plans that would cut traffic in the wrong order or
// fail over an instance to itself.
const DefaultPolicy = `package nsgswap

deny contains msg if {
	input.old.instance == input.new.instance
	msg := sprintf("old and new instance are both %q", [input.old.instance])
}

deny contains msg if {
	input.old.uplink == input.new.uplink
	msg := sprintf("old and new uplink are both %q", [input.old.uplink])
}

deny contains msg if {
	input.access_interface in {input.old.uplink, input.new.uplink}
	msg := sprintf("access interface %q is also an uplink", [input.access_interface])
}

deny contains msg if {
	some i, j
	input.steps[i].op == "associate-address"
	input.steps[j].op == "disassociate-address"
	i < j
	msg := sprintf("step %d associates the address before step %d releases it", [i + 1, j + 1])
}

deny contains msg if {
	some i
	input.steps[i].op in {"attach-interface", "provision-instance"}
	not detached_before(i)
	msg := sprintf("step %d uses the access interface before it is detached", [i + 1])
}

detached_before(i) if {
	some j
	input.steps[j].op == "detach-interface"
	j < i
}
`

// DeniedError lists why a plan was rejected.
type DeniedError struct {
	Plan    string
	Reasons []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("plan %s denied: %s", e.Plan, strings.Join(e.Reasons, "; "))
}

// Guard holds a prepared deny query.
type Guard struct {
	query  rego.PreparedEvalQuery
	tracer trace.Tracer
}

// New compiles the default policy plus the given extra modules, keyed by
// file name.
func New(ctx context.Context, modules map[string]string) (*Guard, error) {
	opts := []func(*rego.Rego){
		rego.Query(query),
		rego.Module("default.rego", DefaultPolicy),
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile guard policy: %w", err)
	}
	return &Guard{query: prepared, tracer: otel.Tracer("nsgswap/guard")}, nil
}

// Load compiles the default policy and, when path is set, the policy file at path.
func Load(ctx context.Context, path string) (*Guard, error) {
	if path == "" {
		return New(ctx, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guard policy: %w", err)
	}
	return New(ctx, map[string]string{filepath.Base(path): string(data)})
}

// Check returns the sorted deny messages for plan. An empty result allows it.
func (g *Guard) Check(ctx context.Context, plan *failover.Plan) ([]string, error) {
	ctx, span := g.tracer.Start(ctx, "guard.check", trace.WithAttributes(attribute.String("plan.name", plan.Name)))
	defer span.End()

	input, err := toInput(plan)
	if err != nil {
		return nil, err
	}

	rs, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate guard policy: %w", err)
	}

	var reasons []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, v := range values {
				reasons = append(reasons, fmt.Sprint(v))
			}
		}
	}
	sort.Strings(reasons)
	span.SetAttributes(attribute.Int("guard.denials", len(reasons)))
	return reasons, nil
}

// Enforce returns a *DeniedError when the policy rejects plan.
func (g *Guard) Enforce(ctx context.Context, plan *failover.Plan) error {
	reasons, err := g.Check(ctx, plan)
	if err != nil {
		return err
	}
	if len(reasons) > 0 {
		log.Warn().Ctx(ctx).Str("plan", plan.Name).Strs("reasons", reasons).Msg("plan denied")
		return &DeniedError{Plan: plan.Name, Reasons: reasons}
	}
	return nil
}

// toInput converts the plan to the JSON shape policies see.
func toInput(plan *failover.Plan) (map[string]any, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return input, nil
}
