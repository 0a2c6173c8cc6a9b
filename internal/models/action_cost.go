package models

// Canonical action codes.
const (
	ActionOpenAIImage    = "OPENAI_IMAGE"
	ActionMeshyTextTo3D  = "MESHY_TEXT_TO_3D"
	ActionMeshyImageTo3D = "MESHY_IMAGE_TO_3D"
	ActionMeshyRefine    = "MESHY_REFINE"
	ActionMeshyRetexture = "MESHY_RETEXTURE"
	ActionMeshyRig       = "MESHY_RIG"
	ActionVideoGenerate  = "VIDEO_GENERATE"
	ActionGeminiVideo    = "GEMINI_VIDEO"
)

// Generation providers.
const (
	ProviderOpenAI = "openai"
	ProviderMeshy  = "meshy"
	ProviderVideo  = "video"
	ProviderGemini = "gemini"
)

type ActionCost struct {
	ActionCode  string `json:"action_code"`
	CostCredits int    `json:"cost_credits"`
	Provider    string `json:"provider"`
	Description string `json:"description,omitempty"`
}
