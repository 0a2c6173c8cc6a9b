package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/timrx/backend/internal/models"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrUnknownPlan   = errors.New("unknown plan")
)

// aliases maps frontend and legacy action keys to canonical codes. Keys are
// already normalized (lowercase, '-' and ' ' folded to '_').
var aliases = map[string]string{
	"image_generate": models.ActionOpenAIImage,
	"openai_image":   models.ActionOpenAIImage,
	"image":          models.ActionOpenAIImage,

	"text_to_3d_generate": models.ActionMeshyTextTo3D,
	"text_to_3d":          models.ActionMeshyTextTo3D,
	"preview":             models.ActionMeshyTextTo3D,

	"image_to_3d_generate": models.ActionMeshyImageTo3D,
	"image_to_3d":          models.ActionMeshyImageTo3D,

	"refine":  models.ActionMeshyRefine,
	"remesh":  models.ActionMeshyRefine,
	"upscale": models.ActionMeshyRefine,

	"retexture": models.ActionMeshyRetexture,
	"texture":   models.ActionMeshyRetexture,

	"rig":     models.ActionMeshyRig,
	"rigging": models.ActionMeshyRig,

	"video":          models.ActionVideoGenerate,
	"video_generate": models.ActionVideoGenerate,
	"text2video":     models.ActionVideoGenerate,
	"image2video":    models.ActionVideoGenerate,

	"gemini_video": models.ActionGeminiVideo,
}

// Normalize maps an action key to its canonical code. Unknown keys are
// returned uppercased so a direct canonical code still resolves.
func Normalize(actionKey string) string {
	k := strings.ToLower(strings.TrimSpace(actionKey))
	k = strings.NewReplacer("-", "_", " ", "_").Replace(k)
	if code, ok := aliases[k]; ok {
		return code
	}
	return strings.ToUpper(k)
}

// Source loads the action cost table and plans. *repository.PricingRepo satisfies it.
type Source interface {
	ListActionCosts(ctx context.Context) ([]models.ActionCost, error)
	ListPlans(ctx context.Context) ([]models.Plan, error)
}

// Catalog is an immutable snapshot of action costs and plans. It is read
// without locking.
type Catalog struct {
	costs map[string]models.ActionCost
	plans map[string]models.Plan
}

// NewCatalog builds a catalog from explicit rows.
func NewCatalog(costs []models.ActionCost, plans []models.Plan) *Catalog {
	c := &Catalog{
		costs: make(map[string]models.ActionCost, len(costs)),
		plans: make(map[string]models.Plan, len(plans)),
	}
	for _, ac := range costs {
		c.costs[strings.ToUpper(ac.ActionCode)] = ac
	}
	for _, p := range plans {
		c.plans[p.Code] = p
	}
	return c
}

// Load reads the catalog from src once.
func Load(ctx context.Context, src Source) (*Catalog, error) {
	costs, err := src.ListActionCosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load action costs: %w", err)
	}
	plans, err := src.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	return NewCatalog(costs, plans), nil
}

// Lookup resolves an action key (canonical or alias) to its cost row.
func (c *Catalog) Lookup(actionKey string) (models.ActionCost, error) {
	code := Normalize(actionKey)
	ac, ok := c.costs[code]
	if !ok {
		return models.ActionCost{}, fmt.Errorf("%w: %q", ErrUnknownAction, actionKey)
	}
	return ac, nil
}

// ActionCosts lists the cost table sorted by code.
func (c *Catalog) ActionCosts() []models.ActionCost {
	out := make([]models.ActionCost, 0, len(c.costs))
	for _, ac := range c.costs {
		out = append(out, ac)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionCode < out[j].ActionCode })
	return out
}

// Plan returns an active plan by code.
func (c *Catalog) Plan(code string) (models.Plan, error) {
	p, ok := c.plans[strings.ToLower(strings.TrimSpace(code))]
	if !ok || !p.Active {
		return models.Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, code)
	}
	return p, nil
}

// Plans lists active plans, cheapest first.
func (c *Catalog) Plans() []models.Plan {
	out := make([]models.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}
