package scanning

const (
	// Temperature and MaxOutputTokens are fixed for every extraction call
	Temperature     float32 = 0.1
	MaxOutputTokens int32   = 2048

	// NoTextExtracted is returned when the service answers without a text part
	NoTextExtracted = "No text extracted"

	// NoTextFound is what the model is told to answer for images without text
	NoTextFound = "No text found in image"

	genericFailure = "API request failed"
)

// extractTextPrompt is the shared instruction sent with every image
const extractTextPrompt = `Extract all text from this image. Provide the text exactly as it appears, maintaining the original formatting and structure as much as possible. If there is no text in the image, say "` + NoTextFound + `".`

// artPromptInstruction asks the model to turn OCR output into an image-generation prompt
const artPromptInstruction = `You are an expert prompt engineer for high-end image generation models.
Your task is to take extracted text (from an OCR scan) and transform it into a highly detailed, artistic, and creative image generation prompt.

Strictly return a JSON object with the following fields:
- title: A creative title for the image in Traditional Chinese.
- description: A brief, artistic description of the scene in Traditional Chinese.
- prompt: A detailed English prompt for image generation.
- tags: An array of 5-8 relevant creative tags.

Analyze the tone, subject, and keywords of the text provided to inspire the scene.`

const jsonOnlyInstruction = `Respond with a single JSON object and nothing else: no markdown fences, no commentary.`

func artPromptRequest(text string) string {
	return artPromptInstruction + "\n\nExtracted Text to analyze:\n" + text
}
