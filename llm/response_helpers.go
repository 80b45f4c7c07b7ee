package llm

import "fmt"

// FirstChoice safely returns the first choice from a ChatResponse.
// Returns an error if the response is nil or has no choices.
func FirstChoice(resp *ChatResponse) (ChatChoice, error) {
	if resp == nil {
		return ChatChoice{}, fmt.Errorf("nil ChatResponse")
	}
	if len(resp.Choices) == 0 {
		return ChatChoice{}, fmt.Errorf("empty choices in ChatResponse (model returned no choices)")
	}
	return resp.Choices[0], nil
}

// StreamInterrupted 构造流在结束标记前断开时的错误
func StreamInterrupted(provider string, cause error) *Error {
	msg := "stream ended before completion"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Code:       ErrStreamInterrupted,
		Message:    msg,
		HTTPStatus: 502,
		Retryable:  false,
		Provider:   provider,
	}
}

// Malformed 构造响应无法解析的错误
func Malformed(provider string, cause error) *Error {
	return &Error{
		Code:       ErrMalformedResponse,
		Message:    fmt.Sprintf("malformed response: %v", cause),
		HTTPStatus: 502,
		Provider:   provider,
	}
}
