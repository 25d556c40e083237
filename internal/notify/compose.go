package notify

import (
	"fmt"
	"net/url"
	"strings"
)

// Composed is a rendered mail ready for a transport.
type Composed struct {
	Subject string
	Body    string
	Link    string
}

type Composer struct {
	baseURL string
}

func NewComposer(frontendBaseURL string) Composer {
	return Composer{baseURL: strings.TrimRight(frontendBaseURL, "/")}
}

func (c Composer) Compose(msg Message) (Composed, error) {
	if strings.TrimSpace(msg.To) == "" {
		return Composed{}, fmt.Errorf("mail recipient is required")
	}
	greeting := "Hello,"
	if name := strings.TrimSpace(msg.Name); name != "" {
		greeting = fmt.Sprintf("Hello %s,", name)
	}

	switch msg.Kind {
	case KindPasswordReset:
		if msg.Token == "" {
			return Composed{}, fmt.Errorf("password reset mail requires a token")
		}
		link := c.link("/reset-password", msg.Token)
		return Composed{
			Subject: "Reset your password",
			Body: greeting + "\r\n\r\n" +
				"We received a request to reset the password for your client portal account.\r\n" +
				"Use the link below within the next hour to choose a new password:\r\n\r\n" +
				link + "\r\n\r\n" +
				"If you did not request this, you can ignore this message.\r\n",
			Link: link,
		}, nil
	case KindAccountNotFound:
		link := c.link("/register", "")
		return Composed{
			Subject: "Password reset request",
			Body: greeting + "\r\n\r\n" +
				"Someone asked to reset the password for this address, but no client portal account uses it.\r\n" +
				"If you want to create an account, you can register here:\r\n\r\n" +
				link + "\r\n\r\n" +
				"If you did not request this, you can ignore this message.\r\n",
			Link: link,
		}, nil
	case KindAccountInactive:
		return Composed{
			Subject: "Password reset request",
			Body: greeting + "\r\n\r\n" +
				"Someone asked to reset the password for your client portal account, but the account is deactivated.\r\n" +
				"The password cannot be reset until your accountant reactivates it. Please contact your firm.\r\n\r\n" +
				"If you did not request this, you can ignore this message.\r\n",
		}, nil
	case KindEmailVerification:
		if msg.Token == "" {
			return Composed{}, fmt.Errorf("verification mail requires a token")
		}
		link := c.link("/verify-email", msg.Token)
		return Composed{
			Subject: "Confirm your email address",
			Body: greeting + "\r\n\r\n" +
				"Please confirm your email address for the client portal:\r\n\r\n" +
				link + "\r\n\r\n" +
				"The link expires in 24 hours.\r\n",
			Link: link,
		}, nil
	case KindWelcome:
		link := c.link("/login", "")
		return Composed{
			Subject: "Welcome to the client portal",
			Body: greeting + "\r\n\r\n" +
				"Your email address is confirmed. You can sign in at any time:\r\n\r\n" +
				link + "\r\n",
			Link: link,
		}, nil
	default:
		return Composed{}, fmt.Errorf("unknown mail kind %q", msg.Kind)
	}
}

func (c Composer) link(path, token string) string {
	out := c.baseURL + path
	if token != "" {
		out += "?token=" + url.QueryEscape(token)
	}
	return out
}
