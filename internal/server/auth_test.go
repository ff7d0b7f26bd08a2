package server

import (
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Authenticators", func() {
	var req *http.Request

	BeforeEach(func() {
		req = httptest.NewRequest("GET", "/api/quota", nil)
	})

	Describe("BasicAuth", func() {
		auth := BasicAuth{Username: "alice", Password: "secret"}

		It("should return the username as owner", func() {
			req.SetBasicAuth("alice", "secret")
			owner, err := auth.Authenticate(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal("alice"))
		})

		It("should reject a wrong password", func() {
			req.SetBasicAuth("alice", "wrong")
			_, err := auth.Authenticate(req)
			Expect(err).To(MatchError(errUnauthorized))
		})
	})

	Describe("JWTAuthenticator", func() {
		var auth *JWTAuthenticator

		BeforeEach(func() {
			var err error
			auth, err = NewJWTAuthenticator("test-secret")
			Expect(err).NotTo(HaveOccurred())
		})

		sign := func(method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
			token, err := jwt.NewWithClaims(method, claims).SignedString(key)
			Expect(err).NotTo(HaveOccurred())
			return token
		}

		It("should require a secret", func() {
			_, err := NewJWTAuthenticator("")
			Expect(err).To(HaveOccurred())
		})

		It("should prefer the user_id claim", func() {
			req.Header.Set("Authorization", "Bearer "+sign(jwt.SigningMethodHS256, []byte("test-secret"), jwt.MapClaims{
				"sub":     "subject",
				"user_id": "user-7",
			}))
			owner, err := auth.Authenticate(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal("user-7"))
		})

		It("should fall back to the subject", func() {
			req.Header.Set("Authorization", "Bearer "+sign(jwt.SigningMethodHS256, []byte("test-secret"), jwt.MapClaims{
				"sub": "subject",
			}))
			owner, err := auth.Authenticate(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal("subject"))
		})

		It("should reject expired tokens", func() {
			token, err := auth.GenerateToken("user-1", -time.Minute)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Bearer "+token)
			_, err = auth.Authenticate(req)
			Expect(err).To(MatchError(errUnauthorized))
		})

		It("should reject tokens signed with another secret", func() {
			req.Header.Set("Authorization", "Bearer "+sign(jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "x"}))
			_, err := auth.Authenticate(req)
			Expect(err).To(MatchError(errUnauthorized))
		})

		It("should reject other signing methods", func() {
			req.Header.Set("Authorization", "Bearer "+sign(jwt.SigningMethodHS512, []byte("test-secret"), jwt.MapClaims{"sub": "x"}))
			_, err := auth.Authenticate(req)
			Expect(err).To(MatchError(errUnauthorized))
		})

		It("should reject tokens without an owner", func() {
			req.Header.Set("Authorization", "Bearer "+sign(jwt.SigningMethodHS256, []byte("test-secret"), jwt.MapClaims{"iat": time.Now().Unix()}))
			_, err := auth.Authenticate(req)
			Expect(err).To(MatchError(errUnauthorized))
		})
	})

	Describe("Chain", func() {
		It("should accept any configured method", func() {
			jwtAuth, err := NewJWTAuthenticator("test-secret")
			Expect(err).NotTo(HaveOccurred())
			chain := Chain{jwtAuth, BasicAuth{Username: "alice", Password: "secret"}}

			req.SetBasicAuth("alice", "secret")
			owner, err := chain.Authenticate(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal("alice"))
			Expect(wantsBasic(chain)).To(BeTrue())
		})
	})

	Describe("SingleUser", func() {
		It("should default the owner", func() {
			owner, err := SingleUser{}.Authenticate(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal(DefaultOwner))
		})
	})
})
