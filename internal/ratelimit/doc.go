// Package ratelimit is the admission controller for outbound sends.
//
// It answers "may this account send right now?" from three sliding windows
// (second, hour, day), tracks platform-imposed flood waits, derives a health
// score per account, and hands out the randomized inter-send delay.
package ratelimit
