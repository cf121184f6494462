// Package inference calls chat-completion models and digs structured
// answers out of their free-text replies.
//
// Client speaks the OpenAI-compatible /chat/completions protocol, which
// covers hosted APIs and local servers alike. Multi-part messages carry
// camera frames as data: URLs:
//
//	msgs := []inference.Message{
//	    {Role: inference.RoleSystem, Content: systemPrompt},
//	    {Role: inference.RoleUser, Content: []inference.Part{
//	        inference.TextPart("Frames, oldest first:"),
//	        inference.ImagePart("data:image/jpeg;base64,..."),
//	    }},
//	}
//	resp, err := client.Call(ctx, msgs)
package inference
